// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dpipstudio/botwave/internal/registry"
	"github.com/dpipstudio/botwave/internal/transfer"
)

const statsInterval = 5 * time.Minute

// clientSnapshot captura o estado de uma sessão para o log estruturado.
type clientSnapshot struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	Version   string `json:"version"`
	Connected string `json:"connected"`
	LastSeen  string `json:"last_seen"`
}

// StatsReporter emite métricas periódicas do plano de controle no log:
// frota conectada e throughput do serviço de arquivos desde o último
// report.
type StatsReporter struct {
	registry  *registry.Registry
	files     *transfer.Service
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	lastIn  int64
	lastOut int64
}

// NewStatsReporter cria um StatsReporter que loga métricas a cada 5 minutos.
func NewStatsReporter(reg *registry.Registry, files *transfer.Service, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		registry:  reg,
		files:     files,
		logger:    logger.With("component", "stats"),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	sessions := sr.registry.List()
	snapshots := make([]clientSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		snapshots = append(snapshots, clientSnapshot{
			ID:        sess.ID,
			Hostname:  sess.Info.Hostname,
			Version:   sess.Version,
			Connected: sess.ConnectedAt.Format(time.RFC3339),
			LastSeen:  sess.LastSeen().Format(time.RFC3339),
		})
	}
	clientsJSON, _ := json.Marshal(snapshots)

	// Deltas desde o último report; os contadores do serviço são
	// monotônicos.
	in := sr.files.BytesIn.Load()
	out := sr.files.BytesOut.Load()
	deltaIn := in - sr.lastIn
	deltaOut := out - sr.lastOut
	sr.lastIn = in
	sr.lastOut = out

	sr.logger.Info("server stats",
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"clients_connected", len(sessions),
		"bytes_in_interval", deltaIn,
		"bytes_out_interval", deltaOut,
		"bytes_in_total", in,
		"bytes_out_total", out,
		"clients", json.RawMessage(clientsJSON),
	)
}
