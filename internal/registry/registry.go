// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry mantém o diretório da frota no server: sessões ativas,
// metadados de máquina, versão negociada e last-seen. O Registry é o único
// dono das sessões; o transporte de cada sessão pertence ao session actor
// que a registrou.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpipstudio/botwave/internal/protocol"
)

// MachineInfo descreve a máquina reportada no REGISTER.
type MachineInfo struct {
	Hostname string
	Machine  string
	System   string
	Release  string
}

// FileInfo é um arquivo reportado por LIST_FILES.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Transport é a capacidade de falar com um client pelo canal de controle.
// Implementado pelo session actor em internal/server.
type Transport interface {
	// Send escreve um frame sem aguardar resposta.
	Send(f *protocol.Frame) error

	// Request escreve um frame e aguarda o próximo OK/ERROR da sessão
	// (correlação FIFO). Respeita o deadline do context.
	Request(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error)

	// RequestFiles envia LIST_FILES e aguarda a resposta com kwarg files.
	RequestFiles(ctx context.Context) ([]FileInfo, error)

	// Close derruba a conexão da sessão.
	Close() error
}

// Session é uma entrada do diretório da frota.
type Session struct {
	ID          string
	Info        MachineInfo
	Version     string
	ConnectedAt time.Time
	Transport   Transport

	lastSeen  atomic.Int64
	uploading atomic.Bool
}

// NewSession cria uma sessão registrada agora.
func NewSession(id string, info MachineInfo, version string, tr Transport) *Session {
	s := &Session{
		ID:          id,
		Info:        info,
		Version:     version,
		ConnectedAt: time.Now(),
		Transport:   tr,
	}
	s.Touch()
	return s
}

// DisplayName retorna "hostname (client_id)" para logs amigáveis ao operador.
func (s *Session) DisplayName() string {
	if s.Info.Hostname != "" && s.Info.Hostname != "unknown" {
		return s.Info.Hostname + " (" + s.ID + ")"
	}
	return s.ID
}

// Touch atualiza o last-seen para agora.
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen retorna o instante da última atividade da sessão.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// SetUploading marca/desmarca a flag de bulk transfer em andamento.
// Com a flag ativa o pinger pula a sessão (caminho legacy de upload pelo
// canal de controle).
func (s *Session) SetUploading(v bool) {
	s.uploading.Store(v)
}

// Uploading informa se a sessão está em bulk transfer.
func (s *Session) Uploading() bool {
	return s.uploading.Load()
}

// Registry é o mapeamento client_id → Session. Mutations de membership são
// serializadas; scans read-only podem ser concorrentes.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// New cria um Registry vazio.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "registry"),
	}
}

// Add insere a sessão. Reconexão com um client_id existente evicta a sessão
// anterior (o transporte antigo é fechado). Retorna a sessão evictada, se
// houver.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	old := r.sessions[s.ID]
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn("client already connected, evicting previous session", "client_id", s.ID)
		old.Transport.Close()
	}
	return old
}

// Remove retira a sessão do diretório apenas se a entrada atual ainda for a
// mesma (uma sessão evictada não remove a substituta). Retorna true se
// removeu.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// Get retorna a sessão pelo client_id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len retorna o número de sessões ativas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List retorna as sessões ordenadas por client_id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve converte um target spec em sessões: o literal "all", um
// client_id, um hostname (primeiro match vence), ou uma lista separada por
// vírgula de qualquer um desses. Targets desconhecidos são logados como
// erro e pulados; a operação segue no subconjunto válido.
func (r *Registry) Resolve(spec string) []*Session {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		r.logger.Error("no targets specified")
		return nil
	}

	if strings.EqualFold(spec, "all") {
		return r.List()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	seen := make(map[string]struct{})

	for _, target := range strings.Split(spec, ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}

		if s, ok := r.sessions[target]; ok {
			if _, dup := seen[s.ID]; !dup {
				seen[s.ID] = struct{}{}
				out = append(out, s)
			}
			continue
		}

		// Fallback por hostname: primeiro match em ordem de client_id
		// para resolução determinística.
		var match *Session
		for _, s := range r.sessions {
			if s.Info.Hostname == target {
				if match == nil || s.ID < match.ID {
					match = s
				}
			}
		}
		if match != nil {
			if _, dup := seen[match.ID]; !dup {
				seen[match.ID] = struct{}{}
				out = append(out, match)
			}
			continue
		}

		r.logger.Error("client not found", "target", target)
	}

	return out
}
