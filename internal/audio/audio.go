// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package audio define as interfaces dos colaboradores de áudio do BotWave:
// o backend transmissor FM do client e as fontes PCM para live streaming.
// As implementações reais (pi_fm_rds, loopback ALSA) vivem fora do core;
// os adapters exec deste pacote cobrem a instalação padrão em Raspberry Pi.
package audio

import "io"

// Params são os parâmetros de um broadcast FM.
type Params struct {
	FrequencyMHz float64
	PS           string // RDS program service (nome curto da estação)
	RT           string // RDS radiotext
	PI           string // RDS program identification (4 hex chars)
	Loop         bool
}

// Status reporta o estado corrente do transmissor.
type Status struct {
	Playing       bool
	LiveStreaming bool
}

// Transmitter é o backend FM de um client. Constraint do backend: Start,
// StartLive e Stop só podem ser chamados da goroutine principal do processo
// dono (ver o trampoline em internal/client).
type Transmitter interface {
	// Start transmite o arquivo WAV em path com os parâmetros dados.
	Start(path string, p Params) error

	// StartLive transmite PCM cru (S16_LE) lido de src.
	StartLive(src io.Reader, rate, channels int, p Params) error

	// Stop encerra a transmissão corrente. No-op se ocioso.
	Stop() error

	// Status reporta o estado corrente; consultado a 1 Hz pelo monitor
	// de playback.
	Status() Status
}

// PCMSource produz PCM S16_LE cru para o streaming ao vivo. Read retorna
// io.EOF quando a captura termina.
type PCMSource interface {
	io.ReadCloser

	// Rate retorna o sample rate em Hz.
	Rate() int

	// Channels retorna o número de canais.
	Channels() int
}

// SourceFactory abre uma nova fonte PCM por sessão de streaming. O server
// usa uma factory por alvo no comando live: cada client recebe a sua fonte.
type SourceFactory func() (PCMSource, error)
