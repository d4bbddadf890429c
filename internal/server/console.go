// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/protocol"
)

// commandTimeout limita qualquer comando de console individual; sync de
// acervos grandes é o pior caso.
const commandTimeout = 5 * time.Minute

// defaultParams retorna os parâmetros de broadcast quando o operador não
// informa os opcionais.
func defaultParams() audio.Params {
	return audio.Params{
		FrequencyMHz: 90.0,
		PS:           "BotWave",
		RT:           "Broadcasting",
		PI:           "FFFF",
	}
}

// Execute interpreta uma linha de console (stdin, shell remoto, handlers ou
// programas agendados). Retorna false apenas quando a linha pede o
// encerramento do server.
func (s *Server) Execute(line string) bool {
	line = strings.TrimSpace(trimComment(line))
	if line == "" {
		return true
	}

	args, err := protocol.Split(line)
	if err != nil {
		s.logger.Error("invalid command syntax", "error", err)
		return true
	}
	if len(args) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := strings.ToLower(args[0])
	switch cmd {
	case "exit":
		s.Shutdown()
		return false

	case "help":
		s.printHelp()

	case "list":
		s.listClients()

	case "kick":
		if len(args) < 2 {
			s.logger.Error("usage: kick <targets> [reason]")
			return true
		}
		reason := "Kicked by administrator"
		if len(args) > 2 {
			reason = strings.Join(args[2:], " ")
		}
		s.Kick(ctx, args[1], reason)

	case "restart":
		if len(args) < 2 {
			s.logger.Error("usage: restart <targets>")
			return true
		}
		s.Restart(ctx, args[1])

	case "upload":
		if len(args) < 3 {
			s.logger.Error("usage: upload <targets> <file|folder>")
			return true
		}
		s.UploadFile(ctx, args[1], args[2])

	case "dl":
		if len(args) < 3 {
			s.logger.Error("usage: dl <targets> <url>")
			return true
		}
		s.DownloadURL(ctx, args[1], args[2])

	case "lf", "files":
		if len(args) < 2 {
			s.logger.Error("usage: lf <targets>")
			return true
		}
		s.ListFiles(ctx, args[1])

	case "rm", "remove":
		if len(args) < 3 {
			s.logger.Error("usage: rm <targets> <filename|all>")
			return true
		}
		s.RemoveFile(ctx, args[1], args[2])

	case "sync":
		if len(args) < 3 {
			s.logger.Error("usage: sync <folder/|targets> <source_client|folder/>")
			return true
		}
		s.Sync(ctx, args[1], args[2])

	case "start":
		if len(args) < 3 {
			s.logger.Error("usage: start <targets> <file> [freq] [loop] [ps] [rt] [pi]")
			return true
		}
		p, err := parseBroadcastArgs(args[3:])
		if err != nil {
			s.logger.Error("invalid broadcast arguments", "error", err)
			return true
		}
		s.StartBroadcast(ctx, args[1], args[2], p)

	case "stop":
		if len(args) < 2 {
			s.logger.Error("usage: stop <targets>")
			return true
		}
		s.StopBroadcast(ctx, args[1])

	case "live":
		if len(args) < 2 {
			s.logger.Error("usage: live <targets> [device] [rate] [channels]")
			return true
		}
		device := "default"
		rate, channels := 48000, 2
		if len(args) > 2 {
			device = args[2]
		}
		if len(args) > 3 {
			if rate, err = strconv.Atoi(args[3]); err != nil {
				s.logger.Error("invalid sample rate", "value", args[3])
				return true
			}
		}
		if len(args) > 4 {
			if channels, err = strconv.Atoi(args[4]); err != nil {
				s.logger.Error("invalid channel count", "value", args[4])
				return true
			}
		}
		s.Live(ctx, args[1], device, rate, channels, defaultParams())

	case "queue":
		s.queue.Execute(ctx, strings.TrimSpace(strings.TrimPrefix(line, args[0])))

	case "handlers":
		if len(args) > 1 {
			s.listHandlerCommands(args[1])
		} else {
			s.listHandlers()
		}

	case "archive":
		if s.archive == nil {
			s.logger.Error("archive is not configured")
			return true
		}
		if len(args) < 2 {
			s.logger.Error("usage: archive <push|pull>")
			return true
		}
		switch strings.ToLower(args[1]) {
		case "push":
			s.archive.Push(ctx)
		case "pull":
			s.archive.Pull(ctx)
		default:
			s.logger.Error("usage: archive <push|pull>")
		}

	case "<":
		if len(args) < 2 {
			s.logger.Error("usage: < <shell command>")
			return true
		}
		s.runShellCommand(ctx, strings.Join(args[1:], " "))

	default:
		s.logger.Error("unknown command", "command", cmd)
		s.logger.Info("type 'help' for available commands")
	}
	return true
}

// parseBroadcastArgs interpreta os opcionais de start na ordem
// freq, loop, ps, rt, pi; ausentes mantêm o default.
func parseBroadcastArgs(opts []string) (audio.Params, error) {
	p := defaultParams()
	if len(opts) > 0 {
		freq, err := strconv.ParseFloat(opts[0], 64)
		if err != nil {
			return p, fmt.Errorf("parsing frequency %q: %w", opts[0], err)
		}
		p.FrequencyMHz = freq
	}
	if len(opts) > 1 {
		p.Loop = strings.EqualFold(opts[1], "true")
	}
	if len(opts) > 2 {
		p.PS = opts[2]
	}
	if len(opts) > 3 {
		p.RT = opts[3]
	}
	if len(opts) > 4 {
		p.PI = opts[4]
	}
	return p, nil
}

// listClients imprime o diretório da frota.
func (s *Server) listClients() {
	sessions := s.registry.List()
	if len(sessions) == 0 {
		s.logger.Warn("no clients connected")
		return
	}

	s.logger.Info(fmt.Sprintf("connected clients: %d", len(sessions)))
	for _, sess := range sessions {
		s.logger.Info("client",
			"id", sess.ID,
			"hostname", sess.Info.Hostname,
			"machine", sess.Info.Machine,
			"system", sess.Info.System,
			"version", sess.Version,
			"connected", sess.ConnectedAt.Format("2006-01-02 15:04:05"),
			"last_seen", sess.LastSeen().Format("2006-01-02 15:04:05"),
		)
	}
}

// listHandlers imprime os handler scripts instalados.
func (s *Server) listHandlers() {
	names, err := s.handlers.List()
	if err != nil {
		s.logger.Error("listing handlers", "error", err)
		return
	}
	if len(names) == 0 {
		s.logger.Warn("no handlers installed")
		return
	}
	s.logger.Info(fmt.Sprintf("installed handlers: %d", len(names)))
	for _, name := range names {
		s.logger.Info("  " + name)
	}
}

// listHandlerCommands imprime as linhas de um handler script.
func (s *Server) listHandlerCommands(name string) {
	lines, err := s.handlers.Commands(name)
	if err != nil {
		s.logger.Error("reading handler", "handler", name, "error", err)
		return
	}
	s.logger.Info(fmt.Sprintf("%s: %d line(s)", name, len(lines)))
	for _, l := range lines {
		s.logger.Info("  " + l)
	}
}

func (s *Server) printHelp() {
	for _, l := range []string{
		"list                                            list connected clients",
		"start <targets> <file> [freq] [loop] [ps] [rt] [pi]",
		"                                                start a broadcast",
		"stop <targets>                                  stop broadcasting",
		"live <targets> [device] [rate] [channels]       relay live PCM capture",
		"upload <targets> <file|folder>                  push WAV file(s) to clients",
		"dl <targets> <url>                              clients download from a URL",
		"lf <targets>                                    list client files",
		"rm <targets> <filename|all>                     remove client files",
		"sync <folder/|targets> <source_client|folder/>  mirror WAV libraries (trailing / marks the folder)",
		"queue +|-|*|!|? ...                             broadcast queue (queue ? for help)",
		"kick <targets> [reason]                         disconnect clients",
		"restart <targets>                               restart client runtimes",
		"handlers [file]                                 list handler scripts",
		"archive <push|pull>                             S3 library archive",
		"< <shell command>                               run a local shell command",
		"exit                                            shut down the server",
	} {
		s.logger.Info(l)
	}
}
