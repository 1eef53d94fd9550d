package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caldog20/calmesh/config"
	"github.com/caldog20/calmesh/kernel"
	"github.com/caldog20/calmesh/node"
)

var (
	configPath = flag.String("config", "", "directory holding config.json - if unset, the standard os config path is used")
	debugMode  = flag.Bool("debug", false, "enable debug logging")
	exitNode   = flag.Bool("exit", false, "run as an exit node")
)

func main() {
	flag.Parse()
	conf := getConfig()

	level := slog.LevelInfo
	if conf.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	n, err := node.New(conf, kernel.ExecRunner{}, nil, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer n.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := n.Run(ctx); err != nil {
		logger.Error("node stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}

func getConfig() config.Config {
	dir := *configPath
	if dir == "" {
		dir = config.ConfigPath()
	}

	var conf config.Config
	conf.SetDefaults()
	err := conf.ReadConfigFromFile(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatal(err)
		}
		err = conf.WriteConfigFile(dir)
		if err != nil {
			log.Printf("error writing config file to disk: %s", err)
		}
	}

	// Flags are prioritized over config entries
	// These are not written back to the config file
	if *debugMode {
		conf.Debug = true
	}
	if *exitNode {
		conf.Exit.Enabled = true
	}

	return conf
}
