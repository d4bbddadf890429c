// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/dpipstudio/botwave/internal/registry"
)

// handshakeTimeout é o prazo por frame durante o handshake de registro.
const handshakeTimeout = 5 * time.Second

// pingInterval é o período do keep-alive do server para cada sessão.
const pingInterval = 30 * time.Second

// maxMissedPongs derruba a sessão após este número de PINGs sem resposta.
const maxMissedPongs = 2

// responseTimeout é o prazo default para respostas de comandos; listagens
// de arquivo usam o mesmo teto.
const responseTimeout = 30 * time.Second

// ErrSessionClosed indica operação sobre uma sessão já derrubada.
var ErrSessionClosed = errors.New("session closed")

// conn é o lado server de uma conexão de client. Implementa
// registry.Transport: as operações de fan-out do server escrevem aqui e a
// goroutine de leitura roteia as respostas.
type conn struct {
	nc      net.Conn
	fr      *protocol.FrameReader
	logger  *slog.Logger
	session *registry.Session // preenchido após o registro

	// writeMu serializa escritas: operações de console, pinger e respostas
	// compartilham a conexão.
	writeMu sync.Mutex

	// pending é a fila FIFO de esperas por OK/ERROR simples. OKs não
	// aguardados são acks de comandos fire-and-forget e viram log.
	mu          sync.Mutex
	pending     []chan *protocol.Frame
	filesWaiter chan filesResult

	missedPongs atomic.Int32
	closed      atomic.Bool
}

type filesResult struct {
	files []registry.FileInfo
	err   error
}

func newConn(nc net.Conn, logger *slog.Logger) *conn {
	return &conn{
		nc:     nc,
		fr:     protocol.NewFrameReader(nc),
		logger: logger,
	}
}

// Send escreve um frame sem aguardar resposta.
func (c *conn) Send(f *protocol.Frame) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.nc, f); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Verb, err)
	}
	return nil
}

// Request escreve um frame e aguarda o próximo OK/ERROR não reivindicado
// da sessão.
func (c *conn) Request(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	c.pending = append(c.pending, ch)
	c.mu.Unlock()

	if err := c.Send(f); err != nil {
		c.dropPending(ch)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(ch)
		return nil, ctx.Err()
	}
}

func (c *conn) dropPending(ch chan *protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == ch {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// RequestFiles envia LIST_FILES e aguarda a resposta com o kwarg files.
// Respostas de arquivos são correlacionadas à parte da fila FIFO: acks de
// comandos fire-and-forget chegam intercalados e não podem ser confundidos
// com a listagem.
func (c *conn) RequestFiles(ctx context.Context) ([]registry.FileInfo, error) {
	ch := make(chan filesResult, 1)

	c.mu.Lock()
	if c.filesWaiter != nil {
		c.mu.Unlock()
		return nil, errors.New("file list request already in flight")
	}
	c.filesWaiter = ch
	c.mu.Unlock()

	clear := func() {
		c.mu.Lock()
		c.filesWaiter = nil
		c.mu.Unlock()
	}

	if err := c.Send(protocol.NewCommand(protocol.VerbListFiles)); err != nil {
		clear()
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return res.files, res.err
	case <-ctx.Done():
		clear()
		return nil, ctx.Err()
	}
}

// Close derruba a conexão e libera todas as esperas.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.nc.Close()

	c.mu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	if c.filesWaiter != nil {
		close(c.filesWaiter)
		c.filesWaiter = nil
	}
	c.mu.Unlock()
	return err
}

// remoteIP extrai o IP do peer, sem porta.
func (c *conn) remoteIP() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return "unknown"
	}
	return host
}

// handleConnection conduz uma conexão do handshake ao encerramento.
// Roda numa goroutine própria por conexão.
func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.logger)
	defer c.Close()

	sess, err := s.register(c)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("registration failed", "remote", nc.RemoteAddr().String(), "error", err)
		}
		return
	}
	c.session = sess
	c.logger = s.logger.With("client", sess.ID)

	s.registry.Add(sess)
	s.logger.Info("client registered", "client", sess.DisplayName(), "version", sess.Version)
	go s.handlers.Fire("s_onconnect")

	pingCtx, stopPing := context.WithCancel(ctx)
	go c.pingLoop(pingCtx)

	s.readLoop(ctx, c)

	stopPing()
	if s.registry.Remove(sess) {
		s.logger.Warn("client disconnected", "client", sess.DisplayName())
		go s.handlers.Fire("s_ondisconnect")
	}
}

// register conduz o handshake REGISTER → AUTH → VER. Cada frame tem prazo
// de handshakeTimeout; qualquer desvio fecha a conexão.
func (s *Server) register(c *conn) (*registry.Session, error) {
	var (
		info          registry.MachineInfo
		haveInfo      bool
		authenticated = s.cfg.Server.Passkey == ""
		version       string
	)

	for {
		c.nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
		f, err := c.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidSyntax) {
				c.Send(protocol.NewError(err.Error()))
				continue
			}
			return nil, fmt.Errorf("reading handshake frame: %w", err)
		}

		switch f.Verb {
		case protocol.VerbRegister:
			info = registry.MachineInfo{
				Hostname: f.Kwarg("hostname", "unknown"),
				Machine:  f.Kwarg("machine", "unknown"),
				System:   f.Kwarg("system", "unknown"),
				Release:  f.Kwarg("release", "unknown"),
			}
			haveInfo = true
			s.logger.Info("registration attempt", "hostname", info.Hostname, "remote", c.nc.RemoteAddr().String())

		case protocol.VerbAuth:
			if s.cfg.Server.Passkey == "" {
				authenticated = true
				continue
			}
			if f.Arg(0) != s.cfg.Server.Passkey {
				c.Send(protocol.NewCommand(protocol.VerbAuthFailed, "Invalid passkey"))
				return nil, errors.New("invalid passkey")
			}
			authenticated = true

		case protocol.VerbVer:
			version = f.Arg(0)
			if version == "" {
				c.Send(protocol.NewError("Missing protocol version"))
				return nil, errors.New("missing protocol version")
			}
			if !protocol.Compatible(protocol.Version, version) {
				mismatch := protocol.NewCommand(protocol.VerbVersionMismatch)
				mismatch.Kwargs["server_version"] = protocol.Version
				mismatch.Kwargs["client_version"] = version
				mismatch.Kwargs["message"] = "Protocol version mismatch. Please update."
				c.Send(mismatch)
				return nil, fmt.Errorf("protocol version mismatch: server %s, client %s", protocol.Version, version)
			}

			if !authenticated {
				c.Send(protocol.NewCommand(protocol.VerbAuthFailed, "Authentication required"))
				return nil, errors.New("VER before AUTH")
			}
			if !haveInfo {
				c.Send(protocol.NewError("Registration incomplete"))
				return nil, errors.New("VER before REGISTER")
			}

			c.nc.SetReadDeadline(time.Time{})
			clientID := info.Hostname + "_" + c.remoteIP()

			ok := protocol.NewCommand(protocol.VerbRegisterOK)
			ok.Kwargs["client_id"] = clientID
			ok.Kwargs["server_version"] = protocol.Version
			if err := c.Send(ok); err != nil {
				return nil, err
			}
			return registry.NewSession(clientID, info, version, c), nil

		default:
			c.Send(protocol.NewError(fmt.Sprintf("Expected REGISTER, AUTH, or VER, got %s", f.Verb)))
			return nil, fmt.Errorf("unexpected handshake verb %s", f.Verb)
		}
	}
}

// readLoop roteia frames da sessão registrada até a conexão cair.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidSyntax) {
				c.Send(protocol.NewError(err.Error()))
				continue
			}
			return
		}
		c.session.Touch()

		switch f.Verb {
		case protocol.VerbPong:
			c.missedPongs.Store(0)

		case protocol.VerbOK:
			s.routeOK(ctx, c, f)

		case protocol.VerbError:
			s.routeError(c, f)

		default:
			c.logger.Warn("unexpected command from client", "verb", f.Verb)
		}
	}
}

// routeOK entrega um OK para o destino certo: evento de ciclo de vida,
// listagem de arquivos pendente, espera FIFO, ou log de ack.
func (s *Server) routeOK(ctx context.Context, c *conn, f *protocol.Frame) {
	if event := f.Kwarg("event", ""); event != "" {
		s.handleEvent(ctx, c, event, f)
		return
	}

	if filesJSON := f.Kwarg("files", ""); filesJSON != "" {
		var files []registry.FileInfo
		err := json.Unmarshal([]byte(filesJSON), &files)
		if err != nil {
			err = fmt.Errorf("parsing file list: %w", err)
		}

		c.mu.Lock()
		waiter := c.filesWaiter
		c.filesWaiter = nil
		c.mu.Unlock()

		if waiter != nil {
			waiter <- filesResult{files: files, err: err}
			return
		}
		// Listagem sem espera pendente: imprime para o operador.
		for _, fi := range files {
			c.logger.Info(fmt.Sprintf("  %s (%d bytes)", fi.Name, fi.Size))
		}
		return
	}

	c.mu.Lock()
	var waiter chan *protocol.Frame
	if len(c.pending) > 0 {
		waiter = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if waiter != nil {
		waiter <- f
		return
	}
	if msg := f.Kwarg("message", ""); msg != "" {
		c.logger.Info(fmt.Sprintf("%s: %s", c.session.DisplayName(), msg))
	}
}

func (s *Server) routeError(c *conn, f *protocol.Frame) {
	msg := f.Kwarg("message", "Error")

	c.mu.Lock()
	filesWaiter := c.filesWaiter
	c.filesWaiter = nil
	var waiter chan *protocol.Frame
	if filesWaiter == nil && len(c.pending) > 0 {
		waiter = c.pending[0]
		c.pending = c.pending[1:]
	}
	c.mu.Unlock()

	if filesWaiter != nil {
		filesWaiter <- filesResult{err: errors.New(msg)}
		return
	}
	if waiter != nil {
		waiter <- f
		return
	}
	c.logger.Error(fmt.Sprintf("%s: %s", c.session.DisplayName(), msg))
}

// handleEvent processa notificações não solicitadas do client.
func (s *Server) handleEvent(ctx context.Context, c *conn, event string, f *protocol.Frame) {
	switch event {
	case protocol.EventBroadcastEnded:
		c.logger.Info("broadcast ended", "client", c.session.DisplayName(), "file", f.Kwarg("filename", ""))
		go s.queue.OnBroadcastEnded(ctx, c.session.ID)
	default:
		c.logger.Warn("unknown event from client", "event", event)
	}
}

// pingLoop mantém o keep-alive da sessão. Sessões em bulk transfer são
// puladas; duas janelas sem PONG derrubam a conexão.
func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.session.Uploading() {
				continue
			}
			if c.missedPongs.Add(1) > maxMissedPongs {
				c.logger.Warn("client unresponsive, closing", "client", c.session.DisplayName())
				c.Close()
				return
			}
			if err := c.Send(protocol.NewCommand(protocol.VerbPing)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// formatSize formata bytes para exibição no console.
func formatSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
}

// trimComment remove comentários de linha do console (tudo após #).
func trimComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
