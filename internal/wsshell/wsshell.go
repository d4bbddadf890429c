// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wsshell

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dpipstudio/botwave/internal/logging"
	"github.com/dpipstudio/botwave/internal/protocol"
)

// authTimeout é o prazo para o primeiro frame de autenticação.
const authTimeout = 5 * time.Second

// sendBuffer dimensiona a fila de log por conexão. Conexões que não
// drenam perdem o fan-out (o sink é descartado pelo Broadcaster).
const sendBuffer = 256

// writeTimeout limita cada escrita no socket.
const writeTimeout = 10 * time.Second

// startTime registra quando o processo iniciou, para o uptime do status.
var startTime = time.Now()

// Dispatch injeta uma linha de comando no dispatcher do processo dono.
type Dispatch func(line string)

// StatusFunc produz os campos dinâmicos reportados em GET /api/v1/status
// (frota conectada, fila etc.), fornecidos pelo processo dono.
type StatusFunc func() map[string]any

// authMessage é o primeiro frame esperado de um client.
type authMessage struct {
	Type    string `json:"type"`
	Passkey string `json:"passkey"`
}

type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Server é a porta de shell remoto. Comandos chegam como text frames e
// entram no dispatcher; logs do processo saem em fan-out para todas as
// conexões autenticadas.
type Server struct {
	passkey     string
	dispatch    Dispatch
	broadcaster *logging.Broadcaster
	acl         *ACL
	status      StatusFunc
	logger      *slog.Logger

	// onJoin/onLeave disparam os handlers onwsjoin/onwsleave.
	onJoin  func()
	onLeave func()

	// isServer ativa a denylist: o console do server tem comandos que
	// um operador remoto não pode usar.
	isServer bool

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
	srv   *http.Server
}

// blockedCommands são os verbos recusados de operadores remotos no modo
// server: exit mata o processo e < executa shell arbitrário no host.
var blockedCommands = []string{"exit", "<"}

// Options parametriza o Server.
type Options struct {
	Passkey     string
	Dispatch    Dispatch
	Broadcaster *logging.Broadcaster
	ACL         *ACL
	Status      StatusFunc
	IsServer    bool
	OnJoin      func()
	OnLeave     func()
}

// NewServer cria a porta de shell remoto.
func NewServer(opts Options, logger *slog.Logger) *Server {
	s := &Server{
		passkey:     opts.Passkey,
		dispatch:    opts.Dispatch,
		broadcaster: opts.Broadcaster,
		acl:         opts.ACL,
		status:      opts.Status,
		isServer:    opts.IsServer,
		onJoin:      opts.OnJoin,
		onLeave:     opts.OnLeave,
		logger:      logger.With("component", "wsshell"),
		conns:       make(map[*connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// A porta é protegida por passkey + ACL; origin não agrega nada
		// para clients não-browser.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if s.acl == nil {
		s.acl = NewACL(nil)
	}
	return s
}

// Serve atende conexões no listener até Close.
func (s *Server) Serve(ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /", s.handleWS)

	s.mu.Lock()
	s.srv = &http.Server{Handler: s.acl.Middleware(mux)}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("remote shell listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close derruba o listener e todas as conexões.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}

// ClientCount retorna o número de conexões autenticadas.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handleStatus reporta estado do processo para UIs remotas; a mesma ACL
// do shell vale para a rota.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":        "ok",
		"version":       protocol.Version,
		"uptime":        time.Since(startTime).String(),
		"shell_clients": s.ClientCount(),
	}
	if s.status != nil {
		for k, v := range s.status() {
			resp[k] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serializa v como JSON com o status code dado.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &connection{ws: ws, send: make(chan string, sendBuffer), done: make(chan struct{})}

	if !s.authenticate(c) {
		ws.Close()
		return
	}

	s.logger.Info("remote shell client connected", "remote", r.RemoteAddr)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if s.broadcaster != nil {
		s.broadcaster.Attach(c)
	}
	if s.onJoin != nil {
		s.onJoin()
	}

	go c.writePump()
	s.readPump(c, r.RemoteAddr)

	if s.broadcaster != nil {
		s.broadcaster.Detach(c)
	}
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
	if s.onLeave != nil {
		s.onLeave()
	}
	s.logger.Info("remote shell client disconnected", "remote", r.RemoteAddr)
}

// authenticate exige {"type":"auth","passkey":"…"} dentro de authTimeout.
func (s *Server) authenticate(c *connection) bool {
	c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		c.sendStatus("error", "Authentication timeout")
		return false
	}

	var msg authMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendStatus("error", "Invalid JSON")
		return false
	}
	if msg.Type != "auth" || (s.passkey != "" && msg.Passkey != s.passkey) {
		c.sendStatus("auth_failed", "Invalid passkey")
		return false
	}

	c.sendStatus("auth_ok", "Authenticated")
	return true
}

// readPump consome comandos da conexão até o peer fechar.
func (s *Server) readPump(c *connection, remote string) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		if s.isServer && s.blocked(line) {
			s.logger.Warn("blocked remote command", "remote", remote, "command", line)
			continue
		}

		s.logger.Info("remote command", "remote", remote, "command", line)
		s.dispatch(line)
	}
}

func (s *Server) blocked(line string) bool {
	verb := strings.ToLower(strings.Fields(line)[0])
	if strings.HasPrefix(verb, "#") {
		return true
	}
	for _, b := range blockedCommands {
		if verb == b || strings.HasPrefix(verb, "<") {
			return true
		}
	}
	return false
}

// connection é uma conexão autenticada. Implementa logging.Sink: as
// linhas de log entram na fila send e saem pelo writePump (gorilla exige
// um único writer por conexão).
type connection struct {
	ws        *websocket.Conn
	send      chan string
	done      chan struct{}
	closeOnce sync.Once
}

// WriteLine implementa logging.Sink. Quando a fila enche, a conexão é
// considerada lenta demais e o sink reporta erro para o Broadcaster
// descartá-la do fan-out.
func (c *connection) WriteLine(line string) error {
	select {
	case c.send <- line:
		return nil
	default:
		return errSlowConsumer
	}
}

var errSlowConsumer = &slowConsumerError{}

type slowConsumerError struct{}

func (*slowConsumerError) Error() string { return "remote shell consumer too slow" }

func (c *connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case line := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
	}
}

func (c *connection) sendStatus(typ, message string) {
	payload, _ := json.Marshal(statusMessage{Type: typ, Message: message})
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
