package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/zhouzirui/z-chat/internal/config"
	"github.com/zhouzirui/z-chat/internal/model/user"
	"github.com/zhouzirui/z-chat/internal/router"
	"github.com/zhouzirui/z-chat/internal/service/auth"
	"github.com/zhouzirui/z-chat/internal/service/credential"
)

// app 聚合一次命令执行所需的客户端组件
type app struct {
	cfg    *config.Config
	tokens credential.Store
	auth   *auth.Client
	nav    *router.Router
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	tokens, err := credential.OpenFileStore(cfg.Auth.TokenFile)
	if err != nil {
		return nil, err
	}

	client := auth.New(cfg.Endpoint.HTTPURL(), tokens, nil)
	nav := router.New(router.DefaultRoutes())
	nav.BeforeEach(router.NewAuthGuard(tokens, client).Check)

	return &app{cfg: cfg, tokens: tokens, auth: client, nav: nav}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cmd := &cli.Command{
		Name:  "zchat",
		Usage: "terminal client for z-chat",
		Commands: []*cli.Command{
			loginCommand(),
			registerCommand(),
			logoutCommand(),
			whoamiCommand(),
			openCommand(),
			chatCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "log in and store the access token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "read from stdin when omitted"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			password := cmd.String("password")
			if password == "" {
				if password, err = promptLine("password: "); err != nil {
					return err
				}
			}

			if _, err := a.auth.Login(ctx, cmd.String("email"), password); err != nil {
				return err
			}
			me, err := a.auth.CurrentUser(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", me.DisplayName())
			return nil
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "create an account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Required: true},
			&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "read from stdin when omitted"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			password := cmd.String("password")
			if password == "" {
				if password, err = promptLine("password: "); err != nil {
					return err
				}
			}

			created, err := a.auth.Register(ctx, user.Register{
				Email:    cmd.String("email"),
				Password: password,
				FullName: cmd.String("name"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (id %d), run `zchat login` next\n", created.Email, created.ID)
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "forget the stored access token",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return a.auth.Logout()
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "show the logged in user",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			me, err := a.auth.CurrentUser(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s <%s> id=%d\n", me.DisplayName(), me.Email, me.ID)
			return nil
		},
	}
}

func openCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "navigate to a page and print where the guards sent you",
		ArgsUsage: "<path>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("path is required")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			loc, err := a.nav.Push(ctx, path)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", loc.Path, loc.Route.Name)
			return nil
		},
	}
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
