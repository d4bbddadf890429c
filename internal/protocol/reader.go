// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"io"
	"strings"
)

// FrameReader lê frames de texto de um stream, um por linha.
type FrameReader struct {
	br *bufio.Reader
}

// NewFrameReader cria um FrameReader sobre r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{br: bufio.NewReader(r)}
}

// ReadFrame lê a próxima linha e decodifica em um Frame.
// Linhas vazias retornam ErrEmptyFrame; o caller decide ignorar.
// EOF e erros de transporte passam intactos para o caller.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	line, err := readLineLimited(fr.br, maxLineLength)
	if err != nil {
		return nil, err
	}
	return Parse(line)
}

// readLineLimited lê bytes até '\n', limitado a limit bytes de payload.
// Retorna a linha sem o delimitador. Linhas acima do limite retornam
// ErrLineTooLong; EOF antes do delimitador passa intacto.
func readLineLimited(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		if sb.Len() >= limit {
			return "", ErrLineTooLong
		}
		sb.WriteByte(b)
	}
}
