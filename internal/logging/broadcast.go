// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sink recebe uma linha de log renderizada. O shell remoto registra um Sink
// por conexão WebSocket autenticada para tail remoto da atividade do server.
type Sink interface {
	WriteLine(line string) error
}

// Broadcaster é um slog.Handler que despacha cada registro para o handler
// base e, adicionalmente, renderiza registros INFO+ como uma linha de texto
// e a replica para o conjunto concorrente de Sinks registrados.
// Sinks cujo WriteLine retorna erro são removidos do conjunto.
type Broadcaster struct {
	base slog.Handler

	mu    sync.Mutex
	sinks map[Sink]struct{}
}

// NewBroadcaster envolve o handler base em um Broadcaster sem sinks.
func NewBroadcaster(base slog.Handler) *Broadcaster {
	return &Broadcaster{
		base:  base,
		sinks: make(map[Sink]struct{}),
	}
}

// Attach registra um sink para receber linhas de log.
func (b *Broadcaster) Attach(s Sink) {
	b.mu.Lock()
	b.sinks[s] = struct{}{}
	b.mu.Unlock()
}

// Detach remove um sink. É no-op se o sink não estiver registrado.
func (b *Broadcaster) Detach(s Sink) {
	b.mu.Lock()
	delete(b.sinks, s)
	b.mu.Unlock()
}

// SinkCount retorna o número de sinks registrados.
func (b *Broadcaster) SinkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

func (b *Broadcaster) Enabled(ctx context.Context, level slog.Level) bool {
	return b.base.Enabled(ctx, level)
}

func (b *Broadcaster) Handle(ctx context.Context, r slog.Record) error {
	// Erros do fan-out remoto não devem impedir o log local.
	if r.Level >= slog.LevelInfo {
		b.fanOut(renderLine(r))
	}
	if b.base.Enabled(ctx, r.Level) {
		return b.base.Handle(ctx, r)
	}
	return nil
}

func (b *Broadcaster) WithAttrs(attrs []slog.Attr) slog.Handler {
	// Sinks são compartilhados entre os handlers derivados: o conjunto
	// pertence ao Broadcaster raiz, nunca é copiado.
	return &derivedBroadcaster{root: b, base: b.base.WithAttrs(attrs)}
}

func (b *Broadcaster) WithGroup(name string) slog.Handler {
	return &derivedBroadcaster{root: b, base: b.base.WithGroup(name)}
}

// fanOut replica a linha para todos os sinks, removendo os que falham.
func (b *Broadcaster) fanOut(line string) {
	b.mu.Lock()
	var dead []Sink
	for s := range b.sinks {
		if err := s.WriteLine(line); err != nil {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		delete(b.sinks, s)
	}
	b.mu.Unlock()
}

// derivedBroadcaster preserva o conjunto de sinks do Broadcaster raiz em
// handlers derivados via WithAttrs/WithGroup. Os attrs acumulados pelo
// derivado entram na linha renderizada para os sinks.
type derivedBroadcaster struct {
	root  *Broadcaster
	base  slog.Handler
	attrs []slog.Attr
}

func (d *derivedBroadcaster) Enabled(ctx context.Context, level slog.Level) bool {
	return d.base.Enabled(ctx, level)
}

func (d *derivedBroadcaster) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		rendered := r.Clone()
		rendered.AddAttrs(d.attrs...)
		d.root.fanOut(renderLine(rendered))
	}
	if d.base.Enabled(ctx, r.Level) {
		return d.base.Handle(ctx, r)
	}
	return nil
}

func (d *derivedBroadcaster) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), d.attrs...), attrs...)
	return &derivedBroadcaster{root: d.root, base: d.base.WithAttrs(attrs), attrs: merged}
}

func (d *derivedBroadcaster) WithGroup(name string) slog.Handler {
	return &derivedBroadcaster{root: d.root, base: d.base.WithGroup(name), attrs: d.attrs}
}

// renderLine formata um registro como uma linha de texto simples para os
// subscribers remotos: "15:04:05 LEVEL mensagem chave=valor ...".
func renderLine(r slog.Record) string {
	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.TimeOnly), r.Level.String(), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	return line
}
