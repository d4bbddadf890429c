// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package handlers executa scripts declarativos em eventos de ciclo de
// vida. Um handler é um arquivo texto no diretório configurado cujo nome
// começa com o prefixo do evento (s_onready, l_onstart, s_onconnect, ...);
// a extensão define a verbosidade: .hdl loga cada linha, .shdl é
// silencioso. Linhas iniciadas por # são comentários. Cada linha restante
// volta para o dispatcher local como um comando de console.
package handlers

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// maxDepth limita a reentrância: um handler pode disparar comandos que
// acionam outros handlers; além deste nível o disparo é abortado.
const maxDepth = 8

// Dispatch recebe uma linha de comando de um handler.
type Dispatch func(line string) error

// Runner resolve e executa handlers de um diretório.
type Runner struct {
	dir      string
	dispatch Dispatch
	logger   *slog.Logger
	depth    atomic.Int32
}

// NewRunner cria um Runner sobre dir. dispatch é o dispatcher de console
// do processo dono (server ou client).
func NewRunner(dir string, dispatch Dispatch, logger *slog.Logger) *Runner {
	return &Runner{
		dir:      dir,
		dispatch: dispatch,
		logger:   logger.With("component", "handlers"),
	}
}

// Fire executa todos os handlers cujo nome começa com prefix. Erros de
// linha são logados e não interrompem as linhas seguintes.
func (r *Runner) Fire(prefix string) {
	depth := r.depth.Add(1)
	defer r.depth.Add(-1)
	if depth > maxDepth {
		r.logger.Error("handler recursion limit reached", "prefix", prefix, "depth", depth)
		return
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Error("handlers directory not found", "dir", r.dir, "error", err)
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		silent := strings.HasSuffix(name, ".shdl")
		if !silent && !strings.HasSuffix(name, ".hdl") {
			continue
		}
		r.runFile(filepath.Join(r.dir, name), silent)
	}
}

func (r *Runner) runFile(path string, silent bool) {
	if !silent {
		r.logger.Info("running handler", "file", filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		r.logger.Error("opening handler", "file", path, "error", err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !silent {
			r.logger.Info("executing handler command", "command", line)
		}
		if err := r.dispatch(line); err != nil {
			r.logger.Error("handler command failed", "file", filepath.Base(path), "command", line, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Error("reading handler", "file", path, "error", err)
	}
}

// List retorna os nomes dos handlers presentes no diretório, ordenados.
func (r *Runner) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("listing handlers dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Commands retorna as linhas não vazias de um handler, comentários
// incluídos, para inspeção pelo console.
func (r *Runner) Commands(filename string) ([]string, error) {
	if strings.ContainsAny(filename, "/\\") {
		return nil, fmt.Errorf("invalid handler name %q", filename)
	}
	f, err := os.Open(filepath.Join(r.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("opening handler %s: %w", filename, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading handler %s: %w", filename, err)
	}
	return lines, nil
}
