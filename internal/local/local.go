// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package local implementa o botwave-local: o mesmo motor de fila e o
// mesmo transmissor do client, sem control plane. Comandos chegam do
// stdin e operam direto no hardware.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/handlers"
	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/dpipstudio/botwave/internal/queue"
	"github.com/dpipstudio/botwave/internal/transfer"
)

// monitorInterval é a frequência do poll que detecta o fim natural de um
// broadcast e avança a fila.
const monitorInterval = time.Second

// Console é o runtime standalone. Transmissor, fila e handlers rodam
// todos na goroutine do Run; as linhas de comando chegam por um channel.
type Console struct {
	dir      string
	tx       audio.Transmitter
	queue    *queue.Engine
	handlers *handlers.Runner
	logger   *slog.Logger

	currentFile   string
	stopRequested bool
}

// New cria o Console sobre um transmissor já aberto.
func New(uploadDir, handlersDir string, tx audio.Transmitter, logger *slog.Logger) *Console {
	c := &Console{
		dir:    uploadDir,
		tx:     tx,
		logger: logger.With("component", "local"),
	}
	c.queue = queue.New((*localBackend)(c), true, logger)
	c.handlers = handlers.NewRunner(handlersDir, func(line string) error {
		c.Execute(line)
		return nil
	}, logger)
	return c
}

// Run processa linhas de comando até lines fechar, o context cancelar ou
// um exit. Deve rodar na goroutine dona do transmissor.
func (c *Console) Run(ctx context.Context, lines <-chan string) error {
	c.handlers.Fire("l_onready")

	monitor := time.NewTicker(monitorInterval)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			c.tx.Stop()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok || !c.Execute(line) {
				c.tx.Stop()
				return nil
			}
		case <-monitor.C:
			c.pollPlayback()
		}
	}
}

// Execute interpreta uma linha de comando. Retorna false no exit.
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if i := strings.Index(line, "#"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return true
	}

	args, err := protocol.Split(line)
	if err != nil {
		c.logger.Error("invalid command syntax", "error", err)
		return true
	}
	if len(args) == 0 {
		return true
	}

	switch cmd := strings.ToLower(args[0]); cmd {
	case "exit":
		c.stopBroadcast()
		return false

	case "help":
		c.printHelp()

	case "start":
		if len(args) < 2 {
			c.logger.Error("usage: start <file> [freq] [ps] [rt] [pi] [loop]")
			return true
		}
		c.startBroadcast(args[1], args[2:])

	case "stop":
		if !c.stopBroadcast() {
			c.logger.Warn("no broadcast running")
		}

	case "list":
		dir := c.dir
		if len(args) > 1 {
			dir = args[1]
		}
		c.listFiles(dir)

	case "upload":
		if len(args) < 3 {
			c.logger.Error("usage: upload <source> <destination>")
			return true
		}
		c.uploadFile(args[1], args[2])

	case "queue":
		rest := strings.TrimSpace(strings.TrimPrefix(line, args[0]))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		c.queue.Execute(ctx, rest)
		cancel()

	case "handlers":
		if len(args) > 1 {
			c.listHandlerCommands(args[1])
		} else {
			c.listHandlers()
		}

	default:
		c.logger.Error("unknown command", "command", cmd)
		c.logger.Info("type 'help' for a list of available commands")
	}
	return true
}

// startBroadcast toca um arquivo da biblioteca com os opcionais na ordem
// [freq] [ps] [rt] [pi] [loop].
func (c *Console) startBroadcast(filename string, opts []string) {
	name, err := transfer.SanitizeWAVName(filename)
	if err != nil {
		c.logger.Error("invalid filename", "error", err)
		return
	}
	path := filepath.Join(c.dir, name)
	if _, err := os.Stat(path); err != nil {
		c.logger.Error("file not found", "file", name)
		return
	}

	p := defaultParams()
	if len(opts) > 0 {
		if freq, err := strconv.ParseFloat(opts[0], 64); err == nil {
			p.FrequencyMHz = freq
		} else {
			c.logger.Error("invalid frequency", "value", opts[0])
			return
		}
	}
	if len(opts) > 1 {
		p.PS = opts[1]
	}
	if len(opts) > 2 {
		p.RT = opts[2]
	}
	if len(opts) > 3 {
		p.PI = opts[3]
	}
	if len(opts) > 4 {
		p.Loop = strings.EqualFold(opts[4], "true")
	}

	c.queue.ManualPause()
	if c.play(name, p) {
		c.handlers.Fire("l_onstart")
	}
}

// play troca a transmissão corrente pelo arquivo dado.
func (c *Console) play(name string, p audio.Params) bool {
	if c.tx.Status().Playing {
		c.stopRequested = true
		if err := c.tx.Stop(); err != nil {
			c.logger.Error("stopping current broadcast", "error", err)
		}
	}

	if err := c.tx.Start(filepath.Join(c.dir, name), p); err != nil {
		c.logger.Error("starting broadcast", "file", name, "error", err)
		return false
	}
	c.currentFile = name
	c.stopRequested = false
	c.logger.Info("broadcasting", "file", name, "freq", p.FrequencyMHz, "loop", p.Loop)
	return true
}

func (c *Console) stopBroadcast() bool {
	if !c.tx.Status().Playing {
		return false
	}
	c.stopRequested = true
	if err := c.tx.Stop(); err != nil {
		c.logger.Error("stopping broadcast", "error", err)
		return false
	}
	c.logger.Info("broadcast stopped")
	c.handlers.Fire("l_onstop")
	return true
}

// pollPlayback detecta o fim natural de um broadcast e avança a fila.
func (c *Console) pollPlayback() {
	if c.currentFile == "" || c.tx.Status().Playing {
		return
	}

	file := c.currentFile
	c.currentFile = ""
	if c.stopRequested {
		c.stopRequested = false
		return
	}

	c.logger.Info("broadcast finished", "file", file)
	c.handlers.Fire("l_onstop")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c.queue.OnBroadcastEnded(ctx, queue.LocalClientID)
}

func (c *Console) listFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Error("listing files", "dir", dir, "error", err)
		return
	}

	var count int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		c.logger.Info("file", "name", e.Name(), "size", formatSize(info.Size()))
		count++
	}
	if count == 0 {
		c.logger.Info("no files found", "dir", dir)
	}
}

// uploadFile copia um arquivo qualquer do disco para a biblioteca.
func (c *Console) uploadFile(source, destName string) {
	name, err := transfer.SanitizeWAVName(destName)
	if err != nil {
		c.logger.Error("invalid destination name", "error", err)
		return
	}

	src, err := os.Open(source)
	if err != nil {
		c.logger.Error("opening source file", "file", source, "error", err)
		return
	}
	defer src.Close()

	destPath := filepath.Join(c.dir, name)
	dest, err := os.Create(destPath)
	if err != nil {
		c.logger.Error("creating destination file", "file", destPath, "error", err)
		return
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		c.logger.Error("copying file", "error", err)
		return
	}
	c.logger.Info("file uploaded", "file", destPath)
}

func (c *Console) listHandlers() {
	names, err := c.handlers.List()
	if err != nil {
		c.logger.Error("listing handlers", "error", err)
		return
	}
	if len(names) == 0 {
		c.logger.Info("no handlers installed")
		return
	}
	for _, n := range names {
		c.logger.Info("handler", "name", n)
	}
}

func (c *Console) listHandlerCommands(filename string) {
	cmds, err := c.handlers.Commands(filename)
	if err != nil {
		c.logger.Error("reading handler", "handler", filename, "error", err)
		return
	}
	for _, cmd := range cmds {
		c.logger.Info("handler line", "handler", filename, "command", cmd)
	}
}

func (c *Console) printHelp() {
	help := []string{
		"start <file> [freq] [ps] [rt] [pi] [loop]  start broadcasting a WAV file",
		"stop                                       stop the current broadcast",
		"list [directory]                           list files (default: upload directory)",
		"upload <source> <destination>              copy a file into the upload directory",
		"queue <+|-|*|!|?> [args]                   manage the broadcast queue",
		"handlers [file]                            list lifecycle handlers",
		"help                                       show this help",
		"exit                                       stop broadcasting and quit",
	}
	for _, line := range help {
		c.logger.Info(line)
	}
}

func defaultParams() audio.Params {
	return audio.Params{
		FrequencyMHz: 90.0,
		PS:           "BotWave",
		RT:           "Broadcasting",
		PI:           "FFFF",
	}
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}

// localBackend liga o Engine ao transmissor local com o cursor único.
type localBackend Console

func (b *localBackend) Targets(spec string) []string {
	return []string{queue.LocalClientID}
}

func (b *localBackend) DisplayName(clientID string) string {
	return "local"
}

func (b *localBackend) ClientFiles(ctx context.Context) (map[string]map[string]struct{}, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("reading uploads dir: %w", err)
	}

	set := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		set[e.Name()] = struct{}{}
	}
	return map[string]map[string]struct{}{queue.LocalClientID: set}, nil
}

func (b *localBackend) Play(ctx context.Context, clientID, filename string, p audio.Params) error {
	c := (*Console)(b)
	if !c.play(filename, p) {
		return fmt.Errorf("starting broadcast of %s", filename)
	}
	c.handlers.Fire("l_onstart")
	return nil
}

func (b *localBackend) Stop(ctx context.Context, targets string) error {
	(*Console)(b).stopBroadcast()
	return nil
}
