// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const shellCommandTimeout = 30 * time.Second

// runShellCommand executa um comando de shell local (comando `<` do
// console). Saída vai para o log linha a linha.
func (s *Server) runShellCommand(ctx context.Context, command string) {
	ctx, cancel := context.WithTimeout(ctx, shellCommandTimeout)
	defer cancel()

	s.logger.Info("running shell command", "command", command)
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()

	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			s.logger.Info("  " + line)
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		s.logger.Error("shell command timed out", "command", command)
		return
	}
	if err != nil {
		s.logger.Error("shell command failed", "command", command, "error", err)
	}
}
