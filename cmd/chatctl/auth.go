package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Log in and store the access token locally",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "Username (prompted if omitted)"},
		&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "Password (prompted if omitted)"},
	},
	Action: doLogin,
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Discard the stored access token",
	Before: prepareApp,
	Action: doLogout,
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

func prompt(label string) (string, error) {
	fmt.Printf("%s: ", label)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func doLogin(ctx *cli.Context) error {
	cfg := getConfig(ctx)

	username := ctx.String("username")
	if username == "" {
		var err error
		if username, err = prompt("Username"); err != nil {
			return err
		}
	}
	password := ctx.String("password")
	if password == "" {
		var err error
		if password, err = prompt("Password"); err != nil {
			return err
		}
	}

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(cfg.APIURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("login rejected (status %d): %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}
	if login.AccessToken == "" {
		return fmt.Errorf("login response carried no token")
	}

	if err := getStore(ctx).SaveToken(ctx.Context, tokenKey, login.AccessToken); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	cfg.UserID = login.UserID
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Logged in as %s\n", login.UserID)
	return nil
}

func doLogout(ctx *cli.Context) error {
	if err := getStore(ctx).ClearToken(ctx.Context, tokenKey); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}
