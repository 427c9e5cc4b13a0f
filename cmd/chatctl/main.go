package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/terracrypt/chatsync/pkg/crypto"
	"github.com/terracrypt/chatsync/pkg/store"
)

const tokenKey = "access"

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyStore
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *Config {
	return ctx.Context.Value(contextKeyConfig).(*Config)
}

func getStore(ctx *cli.Context) *store.Store {
	return ctx.Context.Value(contextKeyStore).(*store.Store)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx.String("config"))
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(level)

	s, err := store.New(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyStore, s)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

// requiresAuth loads everything and checks there is a stored token.
func requiresAuth(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	token, err := getStore(ctx).LoadToken(ctx.Context, tokenKey)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("you are not logged in — run 'chatctl login' first")
	}
	return nil
}

func loadToken(ctx *cli.Context) (string, error) {
	return getStore(ctx).LoadToken(ctx.Context, tokenKey)
}

func buildCipher(cfg *Config) (crypto.Cipher, error) {
	switch cfg.Encryption.Mode {
	case "", "aes":
		return crypto.NewAESCipher([]byte(cfg.Encryption.Secret))
	case "legacy":
		return crypto.NewXORCipher(cfg.Encryption.Secret)
	default:
		return nil, fmt.Errorf("unknown encryption mode %q", cfg.Encryption.Mode)
	}
}

func main() {
	app := &cli.App{
		Name:    "chatctl",
		Usage:   "Local-first chat client with push and delta synchronization",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: defaultConfigPath(),
			},
		},
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			runCommand,
			sendCommand,
			resendCommand,
			chatsCommand,
			historyCommand,
			readCommand,
			resyncCommand,
			friendsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
