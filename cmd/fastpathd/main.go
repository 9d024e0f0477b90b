// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command fastpathd attaches the fastpath classifier to the host's
// netfilter hooks and keeps it attached as network namespaces come and go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/fastpath/internal/config"
	"grimm.is/fastpath/internal/daemon"
	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL or JSON config file")
	printDefault := flag.Bool("print-default-config", false, "Print the default configuration as HCL and exit")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	flag.Parse()

	if *printDefault {
		os.Stdout.Write(config.GenerateHCL(config.Default()))
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "fastpathd: %v\n", err)
			os.Exit(2)
		}
	}
	if *checkOnly {
		fmt.Printf("%s: configuration ok (mode %s)\n", displayPath(*configPath), cfg.Mode)
		return
	}

	logger := logging.New(cfg.LoggerConfig())
	logging.SetDefault(logger)

	svc, err := daemon.New(cfg, daemon.Options{Logger: logger})
	if err != nil {
		logger.WithError(err).Error("failed to start", "kind", errors.GetKind(err).String())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.WithError(err).Error("fastpathd exited with error", "kind", errors.GetKind(err).String())
		stop()
		os.Exit(1)
	}
}

func displayPath(p string) string {
	if p == "" {
		return "<default>"
	}
	return p
}
