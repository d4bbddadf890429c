// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dpipstudio/botwave/internal/config"
	"github.com/dpipstudio/botwave/internal/logging"
	"github.com/dpipstudio/botwave/internal/pki"
	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/dpipstudio/botwave/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/botwave/server.yaml", "path to server config file")
	host := flag.String("host", "", "control listen host (overrides config)")
	port := flag.Int("port", 0, "control listen port (overrides config)")
	filePort := flag.Int("file-port", 0, "file transfer port (overrides config)")
	passkey := flag.String("passkey", "", "client authentication passkey (overrides config)")
	uploadDir := flag.String("upload-dir", "", "WAV library directory (overrides config)")
	startASAP := flag.Bool("start-asap", false, "start broadcasts immediately, without sync slots")
	skipUpdate := flag.Bool("skip-update-check", false, "skip the startup version check")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("botwave-server", protocol.Version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flags sobrepõem o arquivo.
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *filePort != 0 {
		cfg.Server.FilePort = *filePort
	}
	if *passkey != "" {
		cfg.Server.Passkey = *passkey
	}
	if *uploadDir != "" {
		cfg.Uploads.Dir = *uploadDir
	}
	if *startASAP {
		cfg.Server.StartASAP = true
	}
	if *skipUpdate {
		cfg.Update.Skip = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	baseLogger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// O broadcaster alimenta o tail de log do shell remoto.
	broadcaster := logging.NewBroadcaster(baseLogger.Handler())
	logger := slog.New(broadcaster)

	logger.Info("botwave-server starting", "version", protocol.Version)

	if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
		logger.Error("creating upload directory", "dir", cfg.Uploads.Dir, "error", err)
		os.Exit(1)
	}
	if err := pki.EnsureServerCert(cfg.TLS.Cert, cfg.TLS.Key); err != nil {
		logger.Error("preparing TLS certificate", "error", err)
		os.Exit(1)
	}

	checkForUpdates(cfg.Update, logger)

	s, err := server.New(cfg, logger, broadcaster)
	if err != nil {
		logger.Error("initializing server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		s.Shutdown()
	}()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Console do operador: stdin até EOF ou exit.
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if !s.Execute(sc.Text()) {
				return
			}
		}
	}()

	if err := <-done; err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// loadConfig lê o YAML quando existir; ausente, parte dos defaults para o
// server rodar só com flags.
func loadConfig(path string) (*config.ServerConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &config.ServerConfig{}, nil
	}
	return config.LoadServerConfig(path)
}

func checkForUpdates(upd config.UpdateInfo, logger *slog.Logger) {
	if upd.Skip || upd.CheckURL == "" {
		return
	}
	remote, err := protocol.CheckForUpdates(context.Background(), upd.CheckURL)
	if err != nil {
		logger.Warn("update check failed", "error", err)
		return
	}
	if remote != "" {
		logger.Info("a newer version is available", "current", protocol.Version, "latest", remote)
	}
}
