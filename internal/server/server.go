// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o plano de controle da frota BotWave
// (botwave-server): canal de controle TLS, serviço de transferência de
// arquivos, shell remoto WebSocket, fila de broadcast e programas
// agendados.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/config"
	"github.com/dpipstudio/botwave/internal/handlers"
	"github.com/dpipstudio/botwave/internal/logging"
	"github.com/dpipstudio/botwave/internal/pki"
	"github.com/dpipstudio/botwave/internal/queue"
	"github.com/dpipstudio/botwave/internal/registry"
	"github.com/dpipstudio/botwave/internal/transfer"
	"github.com/dpipstudio/botwave/internal/wsshell"
)

// Server orquestra o plano de controle. Criado por New, roda em Run até o
// context cancelar ou o comando exit chegar.
type Server struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	registry *registry.Registry
	tokens   *transfer.TokenStore
	files    *transfer.Service
	queue    *queue.Engine
	handlers *handlers.Runner
	archive  *Archive
	programs *ProgramScheduler
	shell    *wsshell.Server

	// liveFactory produz a SourceFactory do comando live (uma fonte nova
	// por alvo). Substituível em teste; default captura via ALSA.
	liveFactory func(device string, rate, channels int) audio.SourceFactory

	// stop encerra o Run em andamento (comando exit).
	stop     context.CancelFunc
	stopping atomic.Bool
}

// New monta o Server a partir da configuração validada. broadcaster é o
// handler raiz de log para o fan-out do shell remoto (pode ser nil quando
// o shell remoto está desabilitado).
func New(cfg *config.ServerConfig, logger *slog.Logger, broadcaster *logging.Broadcaster) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		registry:    registry.New(logger),
		liveFactory: audio.NewALSAFactory,
	}

	s.tokens = transfer.NewTokenStore(transfer.DefaultTokenTTL, logger)
	s.files = transfer.NewService(s.tokens, cfg.Uploads.Dir, logger)
	s.queue = queue.New(s, false, logger)
	s.handlers = handlers.NewRunner(cfg.Handlers.Dir, func(line string) error {
		s.Execute(line)
		return nil
	}, logger)

	if cfg.Archive.Enabled {
		a, err := NewArchive(cfg.Archive, cfg.Uploads.Dir, logger)
		if err != nil {
			return nil, err
		}
		s.archive = a
	}

	if len(cfg.Programs) > 0 {
		s.programs = NewProgramScheduler(cfg.Programs, s.Execute, logger)
	}

	if cfg.RemoteShell.Enabled {
		s.shell = wsshell.NewServer(wsshell.Options{
			Passkey:     cfg.Server.Passkey,
			Dispatch:    func(line string) { s.Execute(line) },
			Broadcaster: broadcaster,
			ACL:         wsshell.NewACL(cfg.RemoteShell.ParsedCIDRs),
			Status: func() map[string]any {
				return map[string]any{
					"clients":     s.registry.Len(),
					"queue_items": len(s.queue.Items()),
				}
			},
			IsServer: true,
			OnJoin:   func() { s.handlers.Fire("s_onwsjoin") },
			OnLeave:  func() { s.handlers.Fire("s_onwsleave") },
		}, logger)
	}

	return s, nil
}

// Run sobe os listeners da configuração e bloqueia até o shutdown.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg, err := pki.NewServerTLSConfig(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	if err != nil {
		return err
	}

	controlLn, err := tls.Listen("tcp", s.cfg.ControlAddr(), tlsCfg)
	if err != nil {
		return err
	}

	fileLn, err := tls.Listen("tcp", s.cfg.FileAddr(), tlsCfg)
	if err != nil {
		controlLn.Close()
		return err
	}

	var shellLn net.Listener
	if s.shell != nil {
		shellLn, err = net.Listen("tcp", s.cfg.RemoteShellAddr())
		if err != nil {
			controlLn.Close()
			fileLn.Close()
			return err
		}
	}

	return s.RunWithListeners(ctx, controlLn, fileLn, shellLn)
}

// RunWithListeners roda o server sobre listeners já abertos (seam de
// teste). shellLn pode ser nil.
func (s *Server) RunWithListeners(ctx context.Context, controlLn, fileLn, shellLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	defer cancel()

	s.logger.Info("server listening", "control", controlLn.Addr().String(), "files", fileLn.Addr().String())
	if s.cfg.Server.Passkey != "" {
		s.logger.Info("authentication enabled")
	}

	stopSweep := make(chan struct{})
	s.tokens.StartSweeper(stopSweep)
	defer close(stopSweep)

	fileSrv := s.files.NewHTTPServer("")
	go func() {
		if err := fileSrv.Serve(fileLn); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("file service stopped", "error", err)
		}
	}()

	if s.shell != nil && shellLn != nil {
		go func() {
			if err := s.shell.Serve(shellLn); err != nil {
				s.logger.Error("remote shell stopped", "error", err)
			}
		}()
	}

	if s.programs != nil {
		s.programs.Start()
	}

	stats := NewStatsReporter(s.registry, s.files, s.logger)
	stats.Start()
	defer stats.Stop()

	go s.handlers.Fire("s_onready")

	// Shutdown ordenado: kick na frota, depois os listeners.
	go func() {
		<-ctx.Done()
		s.shutdown(controlLn, fileSrv)
	}()

	for {
		nc, err := controlLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info("server shutdown complete")
				return nil
			default:
				s.logger.Error("accepting connection", "error", err)
				continue
			}
		}

		go s.handleConnection(ctx, nc)
	}
}

// Shutdown dispara o encerramento ordenado (console exit ou sinal).
func (s *Server) Shutdown() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *Server) shutdown(controlLn net.Listener, fileSrv interface{ Close() error }) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("shutting down server")

	kickCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.kick(kickCtx, "all", "Server is shutting down")

	controlLn.Close()
	fileSrv.Close()
	if s.shell != nil {
		s.shell.Close()
	}
	if s.programs != nil {
		s.programs.Stop()
	}
}

// Registry expõe o diretório de sessões (stats reporter e testes).
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// FileService expõe o serviço de transferência (stats reporter e testes).
func (s *Server) FileService() *transfer.Service {
	return s.files
}
