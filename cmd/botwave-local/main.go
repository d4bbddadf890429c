// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/local"
	"github.com/dpipstudio/botwave/internal/logging"
	"github.com/dpipstudio/botwave/internal/protocol"
)

func main() {
	uploadDir := flag.String("upload-dir", "/opt/BotWave/uploads", "WAV library directory")
	handlersDir := flag.String("handlers-dir", "/opt/BotWave/handlers", "lifecycle handlers directory")
	binary := flag.String("transmitter", "", "path to the FM transmitter binary")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("botwave-local", protocol.Version)
		return
	}

	logger, logCloser := logging.NewLogger(*logLevel, *logFormat, "")
	defer logCloser.Close()

	logger.Info("botwave-local starting", "version", protocol.Version)

	if err := os.MkdirAll(*uploadDir, 0o755); err != nil {
		logger.Error("creating upload directory", "dir", *uploadDir, "error", err)
		os.Exit(1)
	}

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

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("type 'help' for a list of available commands")

	// Run fica na goroutine principal: é ela a dona do transmissor.
	console := local.New(*uploadDir, *handlersDir, tx, logger)
	if err := console.Run(ctx, lines); err != nil && err != context.Canceled {
		logger.Error("console error", "error", err)
		os.Exit(1)
	}
	logger.Info("console stopped")
}
