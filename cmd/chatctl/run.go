package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/terracrypt/chatsync/pkg/pull"
	"github.com/terracrypt/chatsync/pkg/sync"
	"github.com/terracrypt/chatsync/pkg/transport"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Connect to the push stream and keep the local cache in sync",
	Before: requiresAuth,
	Action: doRun,
}

func doRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	s := getStore(ctx)

	token, err := loadToken(ctx)
	if err != nil {
		return err
	}
	cipher, err := buildCipher(cfg)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stream := transport.New(cfg.StreamURL, log)
	engine := sync.New(sync.Config{
		Store:     s,
		Transport: stream,
		Cipher:    cipher,
		SelfID:    cfg.UserID,
		Log:       log,
	})
	stream.OnMessage(func(data []byte) {
		// Dispatch errors are per-event; the stream keeps running.
		_ = engine.HandleRaw(runCtx, data)
	})
	stream.OnStatusChange(func(status transport.Status) {
		log.Info().Str("status", string(status)).Msg("Stream status changed")
	})
	engine.OnConnectionStatus(func(status string) {
		log.Info().Str("status", status).Msg("Server connection status")
	})

	puller := pull.New(cfg.APIURL, token, log)
	syncer := sync.NewDeltaSyncer(engine, puller, cfg.SyncInterval, log)
	go syncer.Run(runCtx)

	log.Info().Str("stream", cfg.StreamURL).Msg("Starting")
	err = stream.Connect(runCtx, token)
	if runCtx.Err() != nil {
		log.Info().Msg("Shutting down")
		return nil
	}
	return err
}
