// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package queue implementa a playlist ordenada do BotWave: cursores por
// client, auto-advance em eventos de fim de broadcast e membership por
// wildcard. Um único Engine serve os dois modos — server (multi-target)
// e local (transmissor próprio) — por trás da interface Backend.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dpipstudio/botwave/internal/audio"
)

// Backend é o processo controlador por trás do Engine: o server no modo
// multi-target, o runtime local no modo standalone.
type Backend interface {
	// Targets expande um spec de alvos (all, ids, hostnames, CSV) nos
	// client ids correspondentes. Modo local retorna um único id fixo.
	Targets(spec string) []string

	// DisplayName resolve um client id para exibição em logs.
	DisplayName(clientID string) string

	// ClientFiles retorna o conjunto de WAVs disponível em cada client
	// conectado. A checagem de disponibilidade usa a interseção.
	ClientFiles(ctx context.Context) (map[string]map[string]struct{}, error)

	// Play dispara um arquivo num client com os parâmetros dados. Itens
	// de fila nunca tocam com loop: o avanço é do Engine.
	Play(ctx context.Context, clientID, filename string, p audio.Params) error

	// Stop para a transmissão nos alvos do spec.
	Stop(ctx context.Context, targets string) error
}

// defaultParams são os parâmetros usados quando o toggle não os define.
func defaultParams() audio.Params {
	return audio.Params{
		FrequencyMHz: 90.0,
		PS:           "BotWave",
		RT:           "Broadcasting",
		PI:           "FFFF",
	}
}

// Engine é a fila de broadcast. Todo acesso é serializado pelo mutex;
// os callbacks de evento chegam da goroutine da sessão de cada client.
type Engine struct {
	mu       sync.Mutex
	items    []string
	paused   bool
	cursors  map[string]int
	settings audio.Params
	targets  string

	backend Backend
	local   bool
	logger  *slog.Logger
}

// New cria um Engine pausado e vazio. local muda o formato dos args de
// toggle (sem campo targets) e o tratamento de cursor único.
func New(backend Backend, local bool, logger *slog.Logger) *Engine {
	return &Engine{
		paused:   true,
		cursors:  make(map[string]int),
		settings: defaultParams(),
		targets:  "all",
		backend:  backend,
		local:    local,
		logger:   logger.With("component", "queue"),
	}
}

// Execute interpreta um comando de fila. O primeiro caractere seleciona a
// operação: + add, - remove, * show, ! toggle, ? help.
func (e *Engine) Execute(ctx context.Context, command string) {
	command = strings.TrimSpace(command)
	if command == "" {
		e.Show()
		e.logger.Info("use 'queue ?' for help")
		return
	}

	rest := strings.TrimSpace(command[1:])
	switch command[0] {
	case '+':
		e.Add(ctx, rest)
	case '-':
		e.Remove(rest)
	case '*':
		e.Show()
	case '!':
		e.Toggle(ctx, rest)
	case '?':
		e.Help()
	default:
		e.logger.Error("invalid queue action", "action", string(command[0]))
		e.logger.Info("use 'queue ?' for help")
	}
}

// ManualPause pausa a fila quando um start/live manual toma o transmissor.
func (e *Engine) ManualPause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		e.logger.Info("auto-pausing queue due to manual action")
		e.paused = true
	}
}

// Paused reporta o estado de pausa corrente.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Items retorna uma cópia da lista corrente.
func (e *Engine) Items() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.items))
	copy(out, e.items)
	return out
}

// Add adiciona arquivos à fila. Specs separados por vírgula; `*` expande
// por wildcard; sufixo `!` pula a checagem de disponibilidade.
func (e *Engine) Add(ctx context.Context, command string) {
	force := strings.HasSuffix(command, "!")
	if force {
		command = strings.TrimSpace(strings.TrimSuffix(command, "!"))
	}
	if command == "" {
		e.logger.Error("no file specified")
		return
	}

	var specs []string
	for _, s := range strings.Split(command, ",") {
		if s = strings.TrimSpace(s); s != "" {
			specs = append(specs, s)
		}
	}

	clientFiles, err := e.backend.ClientFiles(ctx)
	if err != nil {
		e.logger.Error("could not retrieve file lists", "error", err)
		return
	}
	if len(clientFiles) == 0 {
		e.logger.Error("no clients connected")
		return
	}

	if force {
		e.addForced(specs, clientFiles)
		return
	}

	candidates, missing := resolveSpecs(specs, clientFiles)
	if len(candidates) == 0 {
		e.logger.Error("no matching files found on all clients")
		e.logger.Info("use '!' at the end to force add anyway (e.g., 'queue +file!')")
		return
	}
	if len(missing) > 0 {
		e.logger.Error("some files are not present on all clients:")
		ids := make([]string, 0, len(missing))
		for id := range missing {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			gaps := missing[id]
			sort.Strings(gaps)
			shown := gaps
			suffix := ""
			if len(shown) > 3 {
				shown = shown[:3]
				suffix = "..."
			}
			e.logger.Error(fmt.Sprintf("  %s: missing %s%s", e.backend.DisplayName(id), strings.Join(shown, ", "), suffix))
		}
		e.logger.Info("use '!' at the end to force add anyway (e.g., 'queue +file!')")
		return
	}

	e.mu.Lock()
	e.items = append(e.items, candidates...)
	e.mu.Unlock()
	e.logger.Info(fmt.Sprintf("added %d file(s) to queue", len(candidates)))
	e.Show()
}

// addForced adiciona sem exigir presença em todos os clients. Wildcards
// expandem contra o primeiro client disponível.
func (e *Engine) addForced(specs []string, clientFiles map[string]map[string]struct{}) {
	var reference map[string]struct{}
	ids := make([]string, 0, len(clientFiles))
	for id := range clientFiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		reference = clientFiles[ids[0]]
	}

	var added []string
	for _, spec := range specs {
		if strings.Contains(spec, "*") {
			added = append(added, expandPattern(spec, reference)...)
		} else {
			added = append(added, spec)
		}
	}

	e.mu.Lock()
	e.items = append(e.items, added...)
	e.mu.Unlock()
	e.logger.Info(fmt.Sprintf("added %d file(s) to queue (forced)", len(added)))
	e.Show()
}

// resolveSpecs resolve os specs contra a interseção dos acervos e calcula
// os gaps por client.
func resolveSpecs(specs []string, clientFiles map[string]map[string]struct{}) ([]string, map[string][]string) {
	var sets []map[string]struct{}
	for _, files := range clientFiles {
		if len(files) > 0 {
			sets = append(sets, files)
		}
	}
	if len(sets) == 0 {
		return nil, nil
	}

	common := make(map[string]struct{})
	for f := range sets[0] {
		inAll := true
		for _, s := range sets[1:] {
			if _, ok := s[f]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			common[f] = struct{}{}
		}
	}

	matched := make(map[string]struct{})
	requested := make(map[string]struct{})
	for _, spec := range specs {
		switch {
		case spec == "*":
			for f := range common {
				matched[f] = struct{}{}
			}
			for _, files := range clientFiles {
				for f := range files {
					requested[f] = struct{}{}
				}
			}
		case strings.Contains(spec, "*"):
			for _, f := range expandPattern(spec, common) {
				matched[f] = struct{}{}
			}
			for _, files := range clientFiles {
				for _, f := range expandPattern(spec, files) {
					requested[f] = struct{}{}
				}
			}
		default:
			requested[spec] = struct{}{}
			if _, ok := common[spec]; ok {
				matched[spec] = struct{}{}
			}
		}
	}

	missing := make(map[string][]string)
	for id, files := range clientFiles {
		for f := range requested {
			if _, ok := files[f]; !ok {
				missing[id] = append(missing[id], f)
			}
		}
	}
	if len(missing) == 0 {
		missing = nil
	}

	out := make([]string, 0, len(matched))
	for f := range matched {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, missing
}

// expandPattern aplica um wildcard ao conjunto dado, ordenado.
func expandPattern(pattern string, files map[string]struct{}) []string {
	var out []string
	for f := range files {
		if ok, err := path.Match(pattern, f); err == nil && ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Remove tira arquivos da fila. Mesma sintaxe do add; `-*` limpa tudo.
func (e *Engine) Remove(command string) {
	if command == "" {
		e.logger.Error("no file specified")
		return
	}

	e.mu.Lock()
	removed := 0
	for _, spec := range strings.Split(command, ",") {
		spec = strings.TrimSpace(spec)
		switch {
		case spec == "*":
			removed = len(e.items)
			e.items = nil
		case strings.Contains(spec, "*"):
			kept := e.items[:0]
			for _, f := range e.items {
				if ok, err := path.Match(spec, f); err == nil && ok {
					removed++
				} else {
					kept = append(kept, f)
				}
			}
			e.items = kept
		default:
			for i, f := range e.items {
				if f == spec {
					e.items = append(e.items[:i], e.items[i+1:]...)
					removed++
					break
				}
			}
		}
	}
	e.mu.Unlock()

	e.logger.Info(fmt.Sprintf("removed %d file(s) from queue", removed))
	e.Show()
}

// Show imprime o estado corrente da fila.
func (e *Engine) Show() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.items) == 0 {
		e.logger.Info("queue is empty")
		return
	}

	status := "PLAYING"
	if e.paused {
		status = "PAUSED"
	}
	e.logger.Info(fmt.Sprintf("queue (%d files) - %s:", len(e.items), status))

	if !e.local && len(e.cursors) > 0 {
		e.logger.Info("client positions:")
		ids := make([]string, 0, len(e.cursors))
		for id := range e.cursors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			idx := e.cursors[id]
			current := "finished"
			if idx < len(e.items) {
				current = e.items[idx]
			}
			e.logger.Info(fmt.Sprintf("  %s: [%d/%d] %s", e.backend.DisplayName(id), idx+1, len(e.items), current))
		}
	}

	for i, f := range e.items {
		marker := "  "
		if e.local && i == e.cursorLocked(LocalClientID) {
			marker = "> "
		}
		e.logger.Info(fmt.Sprintf("%s%d. %s", marker, i+1, f))
	}
}

// Help imprime os comandos de fila.
func (e *Engine) Help() {
	e.logger.Info("queue commands:")
	e.logger.Info("  queue +file                - add file to queue")
	e.logger.Info("  queue +file1,file2         - add multiple files")
	e.logger.Info("  queue +pattern_*           - add files matching pattern")
	e.logger.Info("  queue +*                   - add all files")
	e.logger.Info("  queue +file!               - force add (skip availability checks)")
	e.logger.Info("  queue -file                - remove file from queue")
	e.logger.Info("  queue -*                   - clear queue")
	e.logger.Info("  queue *                    - show queue")
	e.logger.Info("  queue !                    - toggle play/pause with defaults")
	if e.local {
		e.logger.Info("  queue !freq,loop,ps,rt,pi  - toggle with custom settings")
		e.logger.Info("    example: queue !100.5,false,\"My Radio\",\"Live\",ABCD")
	} else {
		e.logger.Info("  queue !targets             - toggle on specific targets")
		e.logger.Info("  queue !targets,freq,loop,ps,rt,pi - toggle with custom settings")
		e.logger.Info("    example: queue !all,100.5,false,\"My Radio\",\"Live\",ABCD")
	}
}

// Toggle alterna play/pause. O argumento opcional redefine alvos e
// parâmetros: targets,freq,loop,ps,rt,pi (server) ou freq,loop,ps,rt,pi
// (local).
func (e *Engine) Toggle(ctx context.Context, command string) {
	targets, params := e.parseToggleArgs(command)

	e.mu.Lock()
	if len(e.items) == 0 {
		e.mu.Unlock()
		e.logger.Error("queue is empty")
		return
	}

	e.paused = !e.paused
	e.targets = targets
	e.settings = params
	paused := e.paused

	ids := e.backend.Targets(targets)
	if !paused {
		for _, id := range ids {
			if _, ok := e.cursors[id]; !ok {
				e.cursors[id] = 0
			}
		}
	}
	e.mu.Unlock()

	if paused {
		e.logger.Info("queue paused", "targets", targets)
		if err := e.backend.Stop(ctx, targets); err != nil {
			e.logger.Error("stopping broadcast", "error", err)
		}
		return
	}

	e.logger.Info("queue playing", "targets", targets)
	for _, id := range ids {
		e.playAt(ctx, id)
	}
}

// parseToggleArgs interpreta o CSV do toggle respeitando aspas. Campos
// vazios mantêm o default.
func (e *Engine) parseToggleArgs(command string) (string, audio.Params) {
	targets := "all"
	params := defaultParams()
	if strings.TrimSpace(command) == "" {
		return targets, params
	}

	parts := splitCSVQuoted(command)
	if e.local {
		// freq,loop,ps,rt,pi
		parts = append([]string{""}, parts...)
	}

	set := func(i int, apply func(string)) {
		if i < len(parts) && parts[i] != "" {
			apply(parts[i])
		}
	}
	set(0, func(v string) { targets = v })
	set(1, func(v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params.FrequencyMHz = f
		} else {
			e.logger.Error("invalid frequency in toggle args", "value", v)
		}
	})
	set(2, func(v string) { params.Loop = strings.EqualFold(v, "true") })
	set(3, func(v string) { params.PS = v })
	set(4, func(v string) { params.RT = v })
	set(5, func(v string) { params.PI = v })
	return targets, params
}

// splitCSVQuoted separa por vírgulas fora de aspas simples ou duplas e
// remove as aspas envolventes de cada campo.
func splitCSVQuoted(s string) []string {
	var parts []string
	var cur strings.Builder
	var quote rune
	for _, c := range s {
		switch {
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && c == ',':
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	parts = append(parts, strings.TrimSpace(cur.String()))
	return parts
}

// LocalClientID é o id sintético do cursor único do modo local.
const LocalClientID = "local"

func (e *Engine) cursorLocked(id string) int {
	return e.cursors[id]
}

// playAt dispara o item corrente do cursor do client. Loop por item é
// sempre falso: o avanço é dirigido por broadcast_ended.
func (e *Engine) playAt(ctx context.Context, clientID string) {
	e.mu.Lock()
	idx := e.cursors[clientID]
	if idx >= len(e.items) {
		e.mu.Unlock()
		e.logger.Info(fmt.Sprintf("%s: queue finished", e.backend.DisplayName(clientID)))
		return
	}
	filename := e.items[idx]
	params := e.settings
	total := len(e.items)
	e.mu.Unlock()

	params.Loop = false
	e.logger.Info(fmt.Sprintf("%s: playing [%d/%d] %s", e.backend.DisplayName(clientID), idx+1, total, filename))
	if err := e.backend.Play(ctx, clientID, filename, params); err != nil {
		e.logger.Error("queue playback failed", "client", clientID, "file", filename, "error", err)
	}
}

// OnBroadcastEnded avança o cursor do client e despacha o próximo item.
// Fim de lista: com loop dá a volta para 0; sem loop o cursor volta a 0 e
// o avanço daquele client para.
func (e *Engine) OnBroadcastEnded(ctx context.Context, clientID string) {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return
	}
	if e.local {
		clientID = LocalClientID
	}
	if _, ok := e.cursors[clientID]; !ok {
		e.mu.Unlock()
		e.logger.Warn("client not tracked by queue", "client", clientID)
		return
	}

	e.cursors[clientID]++
	wrapped := false
	if e.cursors[clientID] >= len(e.items) {
		e.cursors[clientID] = 0
		wrapped = true
	}
	loop := e.settings.Loop
	if wrapped && !loop && e.local {
		// Modo local: fila inteira terminou, pausa.
		e.paused = true
	}
	e.mu.Unlock()

	if wrapped {
		suffix := ""
		if loop {
			suffix = ", starting over"
		}
		e.logger.Info(fmt.Sprintf("%s: queue finished%s", e.backend.DisplayName(clientID), suffix))
		if !loop {
			return
		}
	}
	e.playAt(ctx, clientID)
}
