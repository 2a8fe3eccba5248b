package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/zhouzirui/z-chat/internal/model/chat"
	"github.com/zhouzirui/z-chat/internal/router"
	"github.com/zhouzirui/z-chat/internal/service/realtime"
)

var errNotLoggedIn = errors.New("not logged in, run `zchat login` first")

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "join a chat room; /typing sends a typing notice, /quit leaves",
		ArgsUsage: "<chat-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			chatID := cmd.Args().First()
			if chatID == "" {
				return errors.New("chat id is required")
			}

			a, err := newApp()
			if err != nil {
				return err
			}

			loc, err := a.nav.Push(ctx, router.ChatPath(chatID))
			if err != nil {
				return err
			}
			if loc.Path == router.PathLogin {
				return errNotLoggedIn
			}

			return runChat(ctx, a, loc.Param("chatId"))
		},
	}
}

func runChat(ctx context.Context, a *app, chatID string) error {
	abandoned := make(chan struct{})

	session := realtime.NewSession(chatID, a.cfg.Endpoint, a.tokens, realtime.Handlers{
		OnMessage: printFrame,
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		},
		OnStateChange: func(s realtime.State) {
			fmt.Fprintf(os.Stderr, "* %s\n", s)
			if s == realtime.StateAbandoned {
				close(abandoned)
			}
		},
	}, realtime.NewOptions(a.cfg.Realtime))
	defer session.Disconnect()

	if err := session.Connect(); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-abandoned:
			return realtime.ErrAbandoned
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/quit":
				return nil
			case "/typing":
				session.SendTyping()
			default:
				session.SendMessage(line)
			}
		}
	}
}

func printFrame(f chat.Frame) {
	switch f.Type {
	case chat.FrameNewMessage:
		msg, err := f.ChatMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "! bad message frame: %v\n", err)
			return
		}
		sender := fmt.Sprintf("user %d", msg.SenderID)
		if msg.Sender != nil {
			sender = msg.Sender.DisplayName()
		}
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), sender, msg.Content)
	case chat.FrameTyping:
		fmt.Fprintf(os.Stderr, "  %s is typing...\n", f.UserName)
	case chat.FrameError:
		fmt.Fprintf(os.Stderr, "! server: %s\n", f.ErrorText())
	default:
		fmt.Fprintf(os.Stderr, "? %s\n", f.Raw)
	}
}
