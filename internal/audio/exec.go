// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package audio

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

// Candidatos padrão para o binário transmissor em uma instalação Raspberry Pi.
var defaultBinaryPaths = []string{
	"/opt/BotWave/bin/pi_fm_rds",
	"/usr/local/bin/pi_fm_rds",
	"/usr/bin/pi_fm_rds",
}

// ExecTransmitter dirige o transmissor FM como subprocess (pi_fm_rds).
// O processo é singleton: iniciar um novo broadcast com um ativo primeiro
// encerra o corrente.
type ExecTransmitter struct {
	binary string

	mu      sync.Mutex
	cmd     *exec.Cmd
	live    bool
	stdin   io.WriteCloser
	done    chan struct{}
	playing bool
}

// NewExecTransmitter cria um ExecTransmitter. binary vazio tenta os paths
// padrão da instalação; retorna erro se nenhum existir.
func NewExecTransmitter(binary string) (*ExecTransmitter, error) {
	if binary == "" {
		for _, p := range defaultBinaryPaths {
			if _, err := exec.LookPath(p); err == nil {
				binary = p
				break
			}
		}
		if binary == "" {
			return nil, fmt.Errorf("transmitter binary not found in default paths")
		}
	}
	return &ExecTransmitter{binary: binary}, nil
}

// Start implementa Transmitter.
func (t *ExecTransmitter) Start(path string, p Params) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.stopLocked(); err != nil {
		return err
	}

	cmd := exec.Command(t.binary, t.argsLocked(p, "-audio", path)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting transmitter: %w", err)
	}

	t.adoptLocked(cmd, false, nil)
	return nil
}

// StartLive implementa Transmitter: o PCM é alimentado pelo stdin do
// subprocess ("-audio -" no pi_fm_rds).
func (t *ExecTransmitter) StartLive(src io.Reader, rate, channels int, p Params) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.stopLocked(); err != nil {
		return err
	}

	cmd := exec.Command(t.binary, t.argsLocked(p,
		"-audio", "-",
		"-rawrate", strconv.Itoa(rate),
		"-rawchannels", strconv.Itoa(channels),
	)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening transmitter stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("starting live transmitter: %w", err)
	}

	t.adoptLocked(cmd, true, stdin)

	// Copia a fonte para o stdin em background; o fim da fonte encerra
	// o stdin e o processo drena e sai sozinho.
	go func() {
		io.Copy(stdin, src)
		stdin.Close()
	}()

	return nil
}

// Stop implementa Transmitter. É idempotente.
func (t *ExecTransmitter) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked()
}

// Status implementa Transmitter.
func (t *ExecTransmitter) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.playing {
		return Status{}
	}
	select {
	case <-t.done:
		// Processo terminou sozinho (fim do arquivo)
		t.playing = false
		t.live = false
		return Status{}
	default:
	}
	return Status{Playing: !t.live, LiveStreaming: t.live}
}

// argsLocked monta a linha de comando comum do transmissor.
func (t *ExecTransmitter) argsLocked(p Params, extra ...string) []string {
	args := []string{
		"-freq", strconv.FormatFloat(p.FrequencyMHz, 'f', -1, 64),
		"-ps", p.PS,
		"-rt", p.RT,
		"-pi", p.PI,
	}
	if p.Loop {
		args = append(args, "-loop")
	}
	return append(args, extra...)
}

// adoptLocked registra o subprocess recém iniciado e a goroutine que
// observa seu término.
func (t *ExecTransmitter) adoptLocked(cmd *exec.Cmd, live bool, stdin io.WriteCloser) {
	done := make(chan struct{})
	t.cmd = cmd
	t.live = live
	t.stdin = stdin
	t.done = done
	t.playing = true

	go func() {
		cmd.Wait()
		close(done)
	}()
}

func (t *ExecTransmitter) stopLocked() error {
	if !t.playing || t.cmd == nil {
		t.playing = false
		return nil
	}

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	<-t.done

	t.cmd = nil
	t.playing = false
	t.live = false
	return nil
}
