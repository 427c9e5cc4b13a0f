package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/terracrypt/chatsync/pkg/pull"
	"github.com/terracrypt/chatsync/pkg/sync"
)

// disconnectedTransport backs one-shot commands that run without the
// stream. Sends report a transient failure and park as failed.
type disconnectedTransport struct{}

func (disconnectedTransport) Send(ctx context.Context, payload any) error {
	return sync.ErrTransient
}

func (disconnectedTransport) Connected() bool { return false }

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message to a chat",
	ArgsUsage: "<chat-id> <message>",
	Before:    requiresAuth,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "reply-to", Usage: "Client or server id of the message being replied to"},
	},
	Action: doSend,
}

var chatsCommand = &cli.Command{
	Name:   "chats",
	Usage:  "List chats with unread counts",
	Before: requiresAuth,
	Action: doChats,
}

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Show a chat's recent messages",
	ArgsUsage: "<chat-id>",
	Before:    requiresAuth,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of messages"},
		&cli.Int64Flag{Name: "before", Usage: "Only messages older than this unix-millisecond timestamp"},
	},
	Action: doHistory,
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark every message in a chat as read",
	ArgsUsage: "<chat-id>",
	Before:    requiresAuth,
	Action:    doRead,
}

var resyncCommand = &cli.Command{
	Name:   "resync",
	Usage:  "Run one delta-sync pass immediately",
	Before: requiresAuth,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "full", Usage: "Reset the cursor and pull everything"},
	},
	Action: doResync,
}

var resendCommand = &cli.Command{
	Name:      "resend",
	Usage:     "Retry a failed message, keeping its id",
	ArgsUsage: "<client-id>",
	Before:    requiresAuth,
	Action:    doResend,
}

var friendsCommand = &cli.Command{
	Name:   "friends",
	Usage:  "List friends known to the local cache",
	Before: requiresAuth,
	Action: doFriends,
}

// offlineEngine builds an engine without a live stream: sends fail into
// the recoverable failed state, everything else works from the cache.
func offlineEngine(ctx *cli.Context) (*sync.Engine, error) {
	cfg := getConfig(ctx)
	cipher, err := buildCipher(cfg)
	if err != nil {
		return nil, err
	}
	return sync.New(sync.Config{
		Store:     getStore(ctx),
		Transport: disconnectedTransport{},
		Cipher:    cipher,
		SelfID:    cfg.UserID,
		Log:       getLogger(ctx),
	}), nil
}

func doSend(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: chatctl send <chat-id> <message>")
	}
	engine, err := offlineEngine(ctx)
	if err != nil {
		return err
	}
	chatID, content := ctx.Args().Get(0), ctx.Args().Get(1)
	clientID, err := engine.Send(ctx.Context, chatID, content, ctx.String("reply-to"))
	if err != nil {
		return err
	}
	// Without the running stream the message lands in failed; the next
	// 'run' session resends it on request.
	fmt.Printf("Queued %s\n", clientID)
	return nil
}

func doChats(ctx *cli.Context) error {
	chats, err := getStore(ctx).Chats(ctx.Context)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Println("No chats — run 'chatctl resync' to pull from the server")
		return nil
	}
	for _, chat := range chats {
		name := chat.Name
		if name == "" {
			name = chat.ChatID
		}
		marker := ""
		if chat.UnreadCount > 0 {
			marker = fmt.Sprintf(" (%d unread)", chat.UnreadCount)
		}
		fmt.Printf("%s  %s%s\n", chat.ChatID, name, marker)
		if chat.LastMessage != "" {
			fmt.Printf("    %s  %s\n", time.UnixMilli(chat.LastMessageMS).Format("2006-01-02 15:04"), chat.LastMessage)
		}
	}
	return nil
}

func doHistory(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: chatctl history <chat-id>")
	}
	chatID := ctx.Args().Get(0)
	before := ctx.Int64("before")
	if before == 0 {
		before = time.Now().UnixMilli() + 1
	}
	msgs, err := getStore(ctx).MessagesBefore(ctx.Context, chatID, before, ctx.Int("limit"))
	if err != nil {
		return err
	}
	// Newest first from the store; print oldest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		fmt.Printf("[%s] %s (%s): %s\n",
			time.UnixMilli(msg.SentAtMS).Format("15:04:05"), msg.SenderID, msg.Status, msg.Content)
	}
	return nil
}

func doRead(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: chatctl read <chat-id>")
	}
	engine, err := offlineEngine(ctx)
	if err != nil {
		return err
	}
	return engine.MarkChatRead(ctx.Context, ctx.Args().Get(0))
}

func doResync(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	s := getStore(ctx)
	token, err := loadToken(ctx)
	if err != nil {
		return err
	}
	if ctx.Bool("full") {
		if err := s.SetCursor(ctx.Context, 0); err != nil {
			return err
		}
	}
	engine, err := offlineEngine(ctx)
	if err != nil {
		return err
	}
	puller := pull.New(cfg.APIURL, token, getLogger(ctx))
	syncer := sync.NewDeltaSyncer(engine, puller, 0, getLogger(ctx))
	return syncer.SyncOnce(ctx.Context)
}

func doResend(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: chatctl resend <client-id>")
	}
	engine, err := offlineEngine(ctx)
	if err != nil {
		return err
	}
	return engine.Resend(ctx.Context, ctx.Args().Get(0))
}

func doFriends(ctx *cli.Context) error {
	friends, err := getStore(ctx).Friends(ctx.Context)
	if err != nil {
		return err
	}
	for _, f := range friends {
		fmt.Printf("%s  %s (%s)\n", f.UserID, f.Username, f.Status)
	}
	return nil
}
