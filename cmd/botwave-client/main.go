// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/client"
	"github.com/dpipstudio/botwave/internal/config"
	"github.com/dpipstudio/botwave/internal/logging"
	"github.com/dpipstudio/botwave/internal/protocol"
)

func main() {
	configPath := flag.String("config", "/etc/botwave/client.yaml", "path to client config file")
	serverHost := flag.String("server", "", "server host (overrides config)")
	serverPort := flag.Int("port", 0, "server control port (overrides config)")
	passkey := flag.String("passkey", "", "authentication passkey (overrides config)")
	uploadDir := flag.String("upload-dir", "", "WAV library directory (overrides config)")
	pinFile := flag.String("pin-file", "", "TOFU certificate pin file (overrides config)")
	binary := flag.String("transmitter", "", "path to the FM transmitter binary")
	skipUpdate := flag.Bool("skip-update-check", false, "skip the startup version check")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("botwave-client", protocol.Version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flags sobrepõem o arquivo.
	if *serverHost != "" {
		cfg.Server.Host = *serverHost
	}
	if *serverPort != 0 {
		cfg.Server.Port = *serverPort
	}
	if *passkey != "" {
		cfg.Server.Passkey = *passkey
	}
	if *uploadDir != "" {
		cfg.Uploads.Dir = *uploadDir
	}
	if *pinFile != "" {
		cfg.TLS.PinFile = *pinFile
	}
	if *skipUpdate {
		cfg.Update.Skip = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	logger.Info("botwave-client starting", "version", protocol.Version, "server", cfg.ServerAddr())

	if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
		logger.Error("creating upload directory", "dir", cfg.Uploads.Dir, "error", err)
		os.Exit(1)
	}

	checkForUpdates(cfg.Update, logger)

	tx, err := audio.NewExecTransmitter(*binary)
	if err != nil {
		logger.Error("locating transmitter binary", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Run fica na goroutine principal: é ela a dona do transmissor.
	err = client.New(cfg, tx, logger).Run(ctx)
	switch {
	case errors.Is(err, client.ErrRestart):
		// O service manager traz o processo de volta.
		logger.Info("exiting for restart")
	case errors.Is(err, client.ErrKicked):
		logger.Warn("exiting: kicked by server")
	case errors.Is(err, context.Canceled):
		logger.Info("client stopped")
	case err != nil:
		logger.Error("client error", "error", err)
		os.Exit(1)
	}
}

// loadConfig lê o YAML quando existir; ausente, parte dos defaults para o
// client rodar só com flags.
func loadConfig(path string) (*config.ClientConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &config.ClientConfig{}, nil
	}
	return config.LoadClientConfig(path)
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
