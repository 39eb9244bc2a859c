// Command rtclient runs a headless realtime session client against a chat
// server. The chat subcommand drives it from stdin; the bridge subcommand
// exposes it over NATS, mirrors its state into Redis and serves metrics. The
// status subcommand reads that mirror back.
//
// Settings come from the environment (and .env), with flags taking
// precedence:
//
//	rtclient --origin https://chat.example.com --user u1 chat
//	rtclient --nats nats://localhost:4222 --redis localhost:6379 bridge
//	rtclient --redis localhost:6379 --user u1 status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/whisper/rtclient/internal/config"
	"github.com/whisper/rtclient/internal/identity"
	"github.com/whisper/rtclient/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(&cfg).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "rtclient",
		Usage: "headless realtime session client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "origin", Usage: "origin of the chat site", Value: cfg.Origin},
			&cli.DurationFlag{Name: "reconnect-delay", Usage: "delay before reconnecting", Value: cfg.ReconnectDelay},
			&cli.StringFlag{Name: "transport", Usage: "websocket library: gobwas or gorilla", Value: cfg.Transport},
			&cli.StringFlag{Name: "user", Usage: "user id to register as", Value: cfg.UserID},
			&cli.StringFlag{Name: "name", Usage: "display name", Value: cfg.UserName},
			&cli.StringFlag{Name: "email", Usage: "email address", Value: cfg.UserEmail},
			&cli.StringFlag{Name: "image", Usage: "avatar URL", Value: cfg.UserImage},
			&cli.StringFlag{Name: "nats", Usage: "NATS URL for the command relay", Value: cfg.NATSURL},
			&cli.StringFlag{Name: "redis", Usage: "Redis address for the state mirror", Value: cfg.RedisAddr},
			&cli.StringFlag{Name: "metrics-addr", Usage: "listen address for /metrics", Value: cfg.MetricsAddr},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: cfg.LogLevel},
			&cli.StringFlag{Name: "log-format", Usage: "text or json", Value: cfg.LogFormat},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyFlags(cmd, cfg)
			return ctx, cfg.Validate()
		},
		Commands: []*cli.Command{
			{
				Name:  "chat",
				Usage: "chat interactively; type /help for commands",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runChat(ctx, *cfg, os.Stdin, os.Stdout)
				},
			},
			{
				Name:  "status",
				Usage: "show the state a bridge mirrored into Redis",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runStatus(ctx, *cfg, os.Stdout)
				},
			},
			{
				Name:  "bridge",
				Usage: "run the client in the background behind NATS, Redis and /metrics",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBridge(ctx, *cfg)
				},
			},
		},
	}
}

// applyFlags copies the root flags over the loaded configuration. Every
// flag defaults to the loaded value, so unset flags change nothing.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	cfg.Origin = cmd.String("origin")
	cfg.ReconnectDelay = cmd.Duration("reconnect-delay")
	cfg.Transport = cmd.String("transport")
	cfg.UserID = cmd.String("user")
	cfg.UserName = cmd.String("name")
	cfg.UserEmail = cmd.String("email")
	cfg.UserImage = cmd.String("image")
	cfg.NATSURL = cmd.String("nats")
	cfg.RedisAddr = cmd.String("redis")
	cfg.MetricsAddr = cmd.String("metrics-addr")
	cfg.LogLevel = cmd.String("log-level")
	cfg.LogFormat = cmd.String("log-format")
}

// newClient builds a client from cfg and hands it the identity reported by
// provider.
func newClient(cfg config.Config, provider identity.Provider, opts ...ws.Option) (*ws.Client, error) {
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	c := ws.New(clientCfg, append([]ws.Option{ws.WithDialer(cfg.Dialer())}, opts...)...)

	id, status := provider.Identity()
	if err := c.SetIdentity(id, status); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
