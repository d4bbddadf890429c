// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// collectSink acumula linhas recebidas, com erro opcional injetado.
type collectSink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *collectSink) WriteLine(line string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestBroadcaster() (*Broadcaster, *slog.Logger) {
	b := NewBroadcaster(slog.NewTextHandler(io.Discard, nil))
	return b, slog.New(b)
}

func TestBroadcaster_FansOutToSinks(t *testing.T) {
	b, logger := newTestBroadcaster()

	s1 := &collectSink{}
	s2 := &collectSink{}
	b.Attach(s1)
	b.Attach(s2)

	logger.Info("client registered", "client_id", "pi1_10.0.0.5")

	for _, s := range []*collectSink{s1, s2} {
		lines := s.all()
		if len(lines) != 1 {
			t.Fatalf("expected 1 line, got %d", len(lines))
		}
		if !strings.Contains(lines[0], "client registered") {
			t.Errorf("line missing message: %q", lines[0])
		}
		if !strings.Contains(lines[0], "client_id=pi1_10.0.0.5") {
			t.Errorf("line missing attr: %q", lines[0])
		}
	}
}

func TestBroadcaster_DebugNotFannedOut(t *testing.T) {
	b := NewBroadcaster(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(b)

	s := &collectSink{}
	b.Attach(s)

	logger.Debug("internals")
	if got := len(s.all()); got != 0 {
		t.Errorf("expected debug records not to reach sinks, got %d lines", got)
	}
}

func TestBroadcaster_DropsFailingSink(t *testing.T) {
	b, logger := newTestBroadcaster()

	good := &collectSink{}
	bad := &collectSink{err: errors.New("connection reset")}
	b.Attach(good)
	b.Attach(bad)

	logger.Info("first")
	if b.SinkCount() != 1 {
		t.Fatalf("expected failing sink to be dropped, count=%d", b.SinkCount())
	}

	logger.Info("second")
	if got := len(good.all()); got != 2 {
		t.Errorf("expected surviving sink to keep receiving, got %d lines", got)
	}
}

func TestBroadcaster_DerivedLoggerSharesSinks(t *testing.T) {
	b, logger := newTestBroadcaster()

	s := &collectSink{}
	b.Attach(s)

	derived := logger.With("component", "registry")
	derived.Info("session evicted")

	lines := s.all()
	if len(lines) != 1 {
		t.Fatalf("expected derived logger to fan out, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "component=registry") {
		t.Errorf("line missing derived attr: %q", lines[0])
	}
}

func TestBroadcaster_Detach(t *testing.T) {
	b, logger := newTestBroadcaster()

	s := &collectSink{}
	b.Attach(s)
	b.Detach(s)

	logger.Info("after detach")
	if got := len(s.all()); got != 0 {
		t.Errorf("expected no lines after detach, got %d", got)
	}
}
