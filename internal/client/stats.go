// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dpipstudio/botwave/internal/audio"
)

// statsReporter loga periodicamente os recursos da máquina e o estado de
// playback, para correlação de saúde da frota nos logs centralizados.
type statsReporter struct {
	interval  time.Duration
	tx        audio.Transmitter
	logger    *slog.Logger
	startTime time.Time
}

func newStatsReporter(interval time.Duration, tx audio.Transmitter, logger *slog.Logger) *statsReporter {
	return &statsReporter{
		interval:  interval,
		tx:        tx,
		logger:    logger.With("component", "stats"),
		startTime: time.Now(),
	}
}

// run emite um relatório por intervalo até o context cancelar.
func (s *statsReporter) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report()
		}
	}
}

func (s *statsReporter) report() {
	attrs := []any{
		"uptime_seconds", int64(time.Since(s.startTime).Seconds()),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		attrs = append(attrs, "cpu_percent", fmt.Sprintf("%.1f", percents[0]))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		attrs = append(attrs,
			"mem_percent", fmt.Sprintf("%.1f", vm.UsedPercent),
			"mem_used_mb", vm.Used/1024/1024)
	}
	if du, err := disk.Usage("/"); err == nil {
		attrs = append(attrs, "disk_percent", fmt.Sprintf("%.1f", du.UsedPercent))
	}
	if avg, err := load.Avg(); err == nil {
		attrs = append(attrs, "load_1m", fmt.Sprintf("%.2f", avg.Load1))
	}

	st := s.tx.Status()
	attrs = append(attrs, "playing", st.Playing, "live", st.LiveStreaming)

	s.logger.Info("client stats", attrs...)
}
