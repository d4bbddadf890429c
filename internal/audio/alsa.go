// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package audio

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// ALSASource captura PCM S16_LE cru de um device de loopback ALSA via
// arecord. Alimenta o comando live do server: o que toca no loopback sai
// nos transmissores da frota.
type ALSASource struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	rate     int
	channels int
}

// NewALSASource abre a captura no device dado (ex: "hw:Loopback,1").
func NewALSASource(device string, rate, channels int) (*ALSASource, error) {
	cmd := exec.Command("arecord",
		"-D", device,
		"-f", "S16_LE",
		"-r", strconv.Itoa(rate),
		"-c", strconv.Itoa(channels),
		"-t", "raw",
		"-q",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting arecord on %s: %w", device, err)
	}

	return &ALSASource{cmd: cmd, stdout: stdout, rate: rate, channels: channels}, nil
}

// NewALSAFactory retorna uma SourceFactory que abre uma captura nova por
// sessão de streaming.
func NewALSAFactory(device string, rate, channels int) SourceFactory {
	return func() (PCMSource, error) {
		return NewALSASource(device, rate, channels)
	}
}

func (a *ALSASource) Read(p []byte) (int, error) {
	return a.stdout.Read(p)
}

// Close encerra a captura. Idempotente o suficiente para defer duplo.
func (a *ALSASource) Close() error {
	a.stdout.Close()
	if a.cmd.Process != nil {
		a.cmd.Process.Kill()
	}
	return a.cmd.Wait()
}

// Rate implementa PCMSource.
func (a *ALSASource) Rate() int { return a.rate }

// Channels implementa PCMSource.
func (a *ALSASource) Channels() int { return a.channels }
