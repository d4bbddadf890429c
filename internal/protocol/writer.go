// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"io"
)

// WriteFrame codifica o frame e escreve a linha terminada em '\n' em um
// único Write. A serialização entre writers concorrentes é responsabilidade
// do caller (mutex de escrita por sessão).
func WriteFrame(w io.Writer, f *Frame) error {
	if _, err := io.WriteString(w, f.Build()+"\n"); err != nil {
		return fmt.Errorf("writing frame %s: %w", f.Verb, err)
	}
	return nil
}
