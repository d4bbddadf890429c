// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa o runtime do botwave-client: a conexão
// persistente com o control plane, a execução de comandos de broadcast no
// transmissor FM local e as transferências de arquivo via token.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/config"
	"github.com/dpipstudio/botwave/internal/pki"
	"github.com/dpipstudio/botwave/internal/protocol"
)

// dialTimeout limita a fase TCP+TLS de cada tentativa de conexão.
const dialTimeout = 10 * time.Second

// handshakeTimeout é o prazo para o server responder o registro.
const handshakeTimeout = 10 * time.Second

// ErrKicked indica que o server removeu este client da frota.
var ErrKicked = errors.New("kicked by server")

// ErrRestart indica que o server pediu o reinício do runtime. O binário
// encerra com status de restart; o service manager o traz de volta.
var ErrRestart = errors.New("restart requested by server")

// Runtime é o processo do client. Comandos que tocam o transmissor rodam
// na goroutine do Run; rede e transferências rodam em goroutines próprias.
type Runtime struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
	tx     audio.Transmitter

	// conn e writeMu pertencem à sessão corrente; writeMu serializa as
	// respostas do loop principal com as das goroutines de transferência.
	conn    net.Conn
	writeMu sync.Mutex

	clientID string

	// actions enfileira trabalho para a goroutine do Run (transmissor).
	actions chan func()

	// estado de playback, confinado à goroutine do Run.
	currentFile   string
	stopRequested bool
}

// New cria o Runtime sobre um transmissor já aberto.
func New(cfg *config.ClientConfig, tx audio.Transmitter, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		tx:      tx,
		actions: make(chan func(), 16),
	}
}

// Run conecta ao server e processa comandos até o context cancelar, o
// server expulsar o client, ou o limite de tentativas de reconexão
// estourar. Deve rodar na goroutine dona do transmissor.
func (r *Runtime) Run(ctx context.Context) error {
	if r.cfg.Stats.Interval > 0 {
		go newStatsReporter(r.cfg.Stats.Interval, r.tx, r.logger).run(ctx)
	}

	delay := r.cfg.Retry.InitialDelay
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := r.connect(ctx)
		if err != nil {
			attempts++
			if r.cfg.Retry.MaxAttempts > 0 && attempts >= r.cfg.Retry.MaxAttempts {
				return fmt.Errorf("connecting to server: %w (gave up after %d attempts)", err, attempts)
			}
			r.logger.Warn("connection failed", "error", err, "retry_in", delay)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > r.cfg.Retry.MaxDelay {
				delay = r.cfg.Retry.MaxDelay
			}
			continue
		}

		attempts = 0
		delay = r.cfg.Retry.InitialDelay

		err = r.session(ctx, conn)
		conn.Close()
		r.tx.Stop()

		switch {
		case errors.Is(err, ErrKicked), errors.Is(err, ErrRestart):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			r.logger.Warn("disconnected from server, reconnecting", "error", err)
		}
	}
}

// connect estabelece a conexão TLS com TOFU pinning e conduz o handshake
// REGISTER → AUTH → VER.
func (r *Runtime) connect(ctx context.Context) (net.Conn, error) {
	addr := r.cfg.ServerAddr()
	r.logger.Info("connecting to server", "address", addr)

	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	if err := applyDSCP(rawConn, r.cfg.Network.DSCPValue); err != nil {
		r.logger.Warn("applying DSCP marking", "error", err)
	}

	tlsConn := tls.Client(rawConn, pki.NewClientTLSConfig(r.cfg.TLS.PinFile))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}

	if err := r.register(tlsConn); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// register envia o trio de registro e espera REGISTER_OK.
func (r *Runtime) register(conn net.Conn) error {
	reg := protocol.NewCommand(protocol.VerbRegister)
	for k, v := range machineInfo() {
		reg.Kwargs[k] = v
	}
	if err := protocol.WriteFrame(conn, reg); err != nil {
		return fmt.Errorf("sending REGISTER: %w", err)
	}
	if err := protocol.WriteFrame(conn, protocol.NewCommand(protocol.VerbAuth, r.cfg.Server.Passkey)); err != nil {
		return fmt.Errorf("sending AUTH: %w", err)
	}
	if err := protocol.WriteFrame(conn, protocol.NewCommand(protocol.VerbVer, protocol.Version)); err != nil {
		return fmt.Errorf("sending VER: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	f, err := protocol.NewFrameReader(conn).ReadFrame()
	if err != nil {
		return fmt.Errorf("reading registration response: %w", err)
	}

	switch f.Verb {
	case protocol.VerbRegisterOK:
		r.clientID = f.Kwarg("client_id", "")
		r.logger.Info("registered with server",
			"client_id", r.clientID,
			"server_version", f.Kwarg("server_version", "unknown"))
		return nil
	case protocol.VerbAuthFailed:
		return fmt.Errorf("authentication failed: %s", f.Arg(0))
	case protocol.VerbVersionMismatch:
		return fmt.Errorf("protocol version mismatch: server %s, client %s",
			f.Kwarg("server_version", "unknown"), protocol.Version)
	default:
		return fmt.Errorf("unexpected registration response %s", f.Verb)
	}
}

// machineInfo coleta os kwargs do REGISTER.
func machineInfo() map[string]string {
	info := map[string]string{
		"hostname": "unknown",
		"machine":  runtime.GOARCH,
		"system":   runtime.GOOS,
		"release":  "unknown",
	}
	if hn, err := os.Hostname(); err == nil {
		info["hostname"] = hn
	}
	if hi, err := host.Info(); err == nil {
		if hi.Hostname != "" {
			info["hostname"] = hi.Hostname
		}
		if hi.KernelArch != "" {
			info["machine"] = hi.KernelArch
		}
		if hi.OS != "" {
			info["system"] = hi.OS
		}
		if hi.KernelVersion != "" {
			info["release"] = hi.KernelVersion
		}
	}
	return info
}

// send escreve um frame na sessão corrente. Seguro para uso concorrente
// entre o loop principal e as goroutines de transferência.
func (r *Runtime) send(f *protocol.Frame) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.conn == nil {
		return
	}
	if err := protocol.WriteFrame(r.conn, f); err != nil {
		r.logger.Warn("sending frame", "verb", f.Verb, "error", err)
	}
}

func (r *Runtime) sendOK(message string) {
	r.send(protocol.NewOK(message))
}

func (r *Runtime) sendError(message string) {
	r.send(protocol.NewError(message))
}

// enqueue agenda trabalho para a goroutine do Run. Descarta com log se o
// runtime estiver saturado.
func (r *Runtime) enqueue(fn func()) {
	select {
	case r.actions <- fn:
	default:
		r.logger.Error("action queue full, dropping scheduled work")
	}
}
