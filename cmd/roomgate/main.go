package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/roomgate/internal/server"
	"github.com/a-essam23/roomgate/pkg/config"
	"github.com/a-essam23/roomgate/pkg/logging"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const usage = `usage: roomgate [flags] <command> [args]

commands:
  proxy              run the development transport proxy
  navigate <path>... drive navigations against the backend and print each transition
  logout             end the persisted session
  routes             print the validated route table

flags:
`

func main() {
	fs := pflag.NewFlagSet("roomgate", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "config", "config file name (searched in the working directory) or path")
	env := fs.String("env", "", "override the configured environment (development|production)")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	logFormat := fs.String("log-format", "auto", "json, text or auto (text on a terminal)")
	asYAML := fs.Bool("yaml", false, "print routes as a config fragment")
	nav := navigateFlags{}
	fs.StringVar(&nav.user, "user", "", "log in as this user before navigating")
	fs.StringVar(&nav.token, "token", "", "session token used with --user")
	fs.BoolVar(&nav.hold, "hold", false, "keep the last room open until interrupted")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	format := *logFormat
	if format == "auto" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}
	logger := logging.NewWithWriter(os.Stderr, logging.ParseLevel(*logLevel), format)
	slog.SetDefault(logger)

	if *env != "" {
		os.Setenv("ROOMGATE_ENVIRONMENT", *env)
	}
	cfg, err := config.Load(logger, *configPath)
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "proxy":
		err = runProxy(ctx, logger, cfg)
	case "navigate":
		if len(args) < 2 {
			fs.Usage()
			os.Exit(2)
		}
		err = runNavigate(ctx, logger, cfg, args[1:], nav)
	case "logout":
		err = runLogout(ctx, logger, cfg)
	case "routes":
		if *asYAML {
			err = dumpRoutes(os.Stdout, cfg)
		} else {
			err = printRoutes(os.Stdout, cfg)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", slog.String("command", args[0]), slog.Any("error", err))
		os.Exit(1)
	}
}

func runProxy(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		return err
	}
	if err := app.Run(); err != nil {
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
