package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/clawgate/internal/auth"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/gateway"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

const version = "0.1.0"

type cli struct {
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." default:""`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the gateway server."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

type serveCmd struct {
	Listen string `help:"Listen address, overrides config." default:""`
}

type versionCmd struct{}

func (v *versionCmd) Run() error {
	fmt.Printf("clawgate %s\n", version)
	return nil
}

func (s *serveCmd) Run(root *cli) error {
	cfg, err := config.Load()
	if err != nil {
		L_fatal("failed to load config: %v", err)
	}

	level := cfg.Logging.Level
	if root.LogLevel != "" {
		level = root.LogLevel
	}
	Init(&Config{
		Level:      ParseLevel(level),
		ShowCaller: true,
	})

	L_info("clawgate %s starting", version)

	listen := cfg.Gateway.Listen
	if s.Listen != "" {
		listen = s.Listen
	}

	server, err := gateway.NewServer(gateway.ServerConfig{
		Listen:  listen,
		Version: version,
		Policy: protocol.Policy{
			MaxPayload:       cfg.Gateway.MaxPayload,
			MaxBufferedBytes: cfg.Gateway.MaxBufferedBytes,
			TickIntervalMs:   cfg.Gateway.TickIntervalMs,
		},
		Auth: auth.Config{
			Token:       cfg.Auth.Token,
			Password:    cfg.Auth.Password,
			MaxAttempts: cfg.Auth.MaxAttempts,
			Cooldown:    time.Duration(cfg.Auth.CooldownSeconds) * time.Second,
		},
		AllowlistPath: cfg.Gateway.AllowlistPath,
	})
	if err != nil {
		L_fatal("failed to create gateway: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return err
	}
	L_info("clawgate stopped")
	return nil
}

func main() {
	var c cli
	ktx := kong.Parse(&c,
		kong.Name("clawgate"),
		kong.Description("Gateway session server for operator and node clients."),
		kong.UsageOnError(),
	)
	if err := ktx.Run(&c); err != nil {
		L_fatal("clawgate: %v", err)
	}
}
