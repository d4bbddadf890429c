// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dpipstudio/botwave/internal/config"
)

// programStopGrace limita a espera por um programa em andamento no
// encerramento.
const programStopGrace = 10 * time.Second

// ProgramScheduler dispara linhas de console em cron expressions
// (programação de grade: "0 8 * * *" → "start all morning.wav").
type ProgramScheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	execute func(line string) bool
	mu      sync.Mutex // garante apenas um programa por vez
	running bool
}

// NewProgramScheduler registra as entradas no cron. Expressões foram
// validadas junto com a config; entradas inválidas aqui são logadas e
// puladas.
func NewProgramScheduler(entries []config.ProgramEntry, execute func(line string) bool, logger *slog.Logger) *ProgramScheduler {
	ps := &ProgramScheduler{
		logger:  logger.With("component", "programs"),
		execute: execute,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(ps.logger.Handler(), slog.LevelDebug))))
	for _, entry := range entries {
		command := entry.Command
		if _, err := c.AddFunc(entry.Schedule, func() { ps.run(command) }); err != nil {
			ps.logger.Error("registering program", "schedule", entry.Schedule, "error", err)
			continue
		}
		ps.logger.Info("program registered", "schedule", entry.Schedule, "command", command)
	}

	ps.cron = c
	return ps
}

// Start inicia a grade de programação.
func (ps *ProgramScheduler) Start() {
	ps.logger.Info("program scheduler started")
	ps.cron.Start()
}

// Stop para a grade e aguarda programas em andamento.
func (ps *ProgramScheduler) Stop() {
	stopCtx := ps.cron.Stop()
	select {
	case <-stopCtx.Done():
		ps.logger.Info("program scheduler stopped")
	case <-time.After(programStopGrace):
		ps.logger.Warn("program scheduler stop timed out")
	}
}

func (ps *ProgramScheduler) run(command string) {
	ps.mu.Lock()
	if ps.running {
		ps.mu.Unlock()
		ps.logger.Warn("program already running, skipping scheduled execution", "command", command)
		return
	}
	ps.running = true
	ps.mu.Unlock()

	defer func() {
		ps.mu.Lock()
		ps.running = false
		ps.mu.Unlock()
	}()

	ps.logger.Info("scheduled program triggered", "command", command)
	ps.execute(command)
}
