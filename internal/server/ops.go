// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/dpipstudio/botwave/internal/registry"
	"github.com/dpipstudio/botwave/internal/transfer"
)

// broadcastSlot é a folga de sincronização concedida por alvo adicional:
// tempo para cada client baixar e preparar o arquivo antes do start_at
// comum.
const broadcastSlot = 20 * time.Second

// uploadThrottleDelay espaça uploads consecutivos de uma pasta para não
// saturar a frota.
const uploadThrottleDelay = 500 * time.Millisecond

// startBroadcast envia START para as sessões dadas. Com wait_start ativo e
// mais de um alvo, todos recebem um start_at futuro comum para partirem em
// uníssono.
func (s *Server) startBroadcast(ctx context.Context, sessions []*registry.Session, filename string, p audio.Params) {
	if len(sessions) == 0 {
		return
	}

	var startAt int64
	if s.cfg.Server.WaitStart() && len(sessions) > 1 {
		startAt = time.Now().Add(broadcastSlot * time.Duration(len(sessions)-1)).Unix()
		s.logger.Info("starting broadcast", "at", time.Unix(startAt, 0).Format(time.RFC3339), "targets", len(sessions))
	} else {
		s.logger.Info("starting broadcast ASAP", "targets", len(sessions))
	}

	f := protocol.NewCommand(protocol.VerbStart)
	f.Kwargs["filename"] = filename
	f.Kwargs["freq"] = strconv.FormatFloat(p.FrequencyMHz, 'f', -1, 64)
	f.Kwargs["ps"] = p.PS
	f.Kwargs["rt"] = p.RT
	f.Kwargs["pi"] = p.PI
	f.Kwargs["loop"] = strconv.FormatBool(p.Loop)
	f.Kwargs["start_at"] = strconv.FormatInt(startAt, 10)

	sent := 0
	for _, sess := range sessions {
		if err := sess.Transport.Send(f); err != nil {
			s.logger.Error("sending START", "client", sess.DisplayName(), "error", err)
			continue
		}
		s.logger.Info("START command sent", "client", sess.DisplayName())
		sent++
	}
	s.logger.Info(fmt.Sprintf("broadcast start commands sent: %d/%d", sent, len(sessions)))
	go s.handlers.Fire("s_onstart")
}

// StartBroadcast é o caminho manual do console: pausa a fila antes de
// tomar os transmissores.
func (s *Server) StartBroadcast(ctx context.Context, targets, filename string, p audio.Params) {
	sessions := s.registry.Resolve(targets)
	if len(sessions) == 0 {
		return
	}
	s.queue.ManualPause()
	s.startBroadcast(ctx, sessions, filename, p)
}

// StopBroadcast envia STOP para os alvos.
func (s *Server) StopBroadcast(ctx context.Context, targets string) {
	sessions := s.registry.Resolve(targets)
	sent := 0
	for _, sess := range sessions {
		if err := sess.Transport.Send(protocol.NewCommand(protocol.VerbStop)); err != nil {
			s.logger.Error("sending STOP", "client", sess.DisplayName(), "error", err)
			continue
		}
		s.logger.Info("STOP command sent", "client", sess.DisplayName())
		sent++
	}
	s.logger.Info(fmt.Sprintf("broadcast stop commands sent: %d/%d", sent, len(sessions)))
	go s.handlers.Fire("s_onstop")
}

// kick remove alvos da frota com um KICK de cortesia antes de fechar.
func (s *Server) kick(ctx context.Context, targets, reason string) {
	sessions := s.registry.Resolve(targets)
	for _, sess := range sessions {
		f := protocol.NewCommand(protocol.VerbKick)
		f.Kwargs["reason"] = reason
		sess.Transport.Send(f)
		sess.Transport.Close()
		s.registry.Remove(sess)
		s.logger.Info("client kicked", "client", sess.DisplayName(), "reason", reason)
	}
}

// Kick é o comando de console.
func (s *Server) Kick(ctx context.Context, targets, reason string) {
	s.kick(ctx, targets, reason)
	s.logger.Info("kick completed")
}

// Restart pede aos alvos que reiniciem o runtime (systemd os traz de
// volta).
func (s *Server) Restart(ctx context.Context, targets string) {
	sessions := s.registry.Resolve(targets)
	for _, sess := range sessions {
		if err := sess.Transport.Send(protocol.NewCommand(protocol.VerbRestart)); err != nil {
			s.logger.Error("sending RESTART", "client", sess.DisplayName(), "error", err)
			continue
		}
		s.logger.Info("restart request sent", "client", sess.DisplayName())
	}
}

// RemoveFile apaga um arquivo (ou `all`) do acervo dos alvos.
func (s *Server) RemoveFile(ctx context.Context, targets, filename string) {
	sessions := s.registry.Resolve(targets)
	s.logger.Info("removing file", "file", filename, "targets", len(sessions))
	for _, sess := range sessions {
		f := protocol.NewCommand(protocol.VerbRemoveFile)
		f.Kwargs["filename"] = filename
		if err := sess.Transport.Send(f); err != nil {
			s.logger.Error("sending REMOVE_FILE", "client", sess.DisplayName(), "error", err)
			continue
		}
		s.logger.Info("remove request sent", "client", sess.DisplayName())
	}
}

// ListFiles imprime o acervo de cada alvo.
func (s *Server) ListFiles(ctx context.Context, targets string) {
	sessions := s.registry.Resolve(targets)
	s.logger.Info("listing files", "targets", len(sessions))

	for _, sess := range sessions {
		reqCtx, cancel := context.WithTimeout(ctx, responseTimeout)
		files, err := sess.Transport.RequestFiles(reqCtx)
		cancel()
		if err != nil {
			s.logger.Error("listing files", "client", sess.DisplayName(), "error", err)
			continue
		}

		s.logger.Info(fmt.Sprintf("%s: %d file(s)", sess.DisplayName(), len(files)))
		if len(files) == 0 {
			s.logger.Info("  no files found")
			continue
		}
		for _, fi := range files {
			s.logger.Info(fmt.Sprintf("  %s (%s)", fi.Name, formatSize(fi.Size)))
		}
	}
}

// UploadFile distribui um arquivo local (ou todos os WAVs de uma pasta)
// para os alvos: um download token single-use por client.
func (s *Server) UploadFile(ctx context.Context, targets, path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Error("file not found", "path", path)
		return false
	}
	if info.IsDir() {
		return s.uploadFolder(ctx, targets, path)
	}

	sessions := s.registry.Resolve(targets)
	if len(sessions) == 0 {
		return false
	}

	filename := filepath.Base(path)
	s.logger.Info("uploading file", "file", filename, "targets", len(sessions))

	sent := 0
	for _, sess := range sessions {
		tok := s.tokens.MintDownload(path)
		f := protocol.NewCommand(protocol.VerbDownloadToken)
		f.Kwargs["token"] = tok.ID
		f.Kwargs["filename"] = filename
		f.Kwargs["size"] = strconv.FormatInt(info.Size(), 10)
		f.Kwargs["port"] = strconv.Itoa(s.cfg.Server.FilePort)

		if err := sess.Transport.Send(f); err != nil {
			s.logger.Error("sending download token", "client", sess.DisplayName(), "error", err)
			continue
		}
		s.logger.Info("download token sent", "client", sess.DisplayName())
		sent++
	}
	s.logger.Info(fmt.Sprintf("upload tokens sent to %d/%d clients", sent, len(sessions)))
	return sent > 0
}

func (s *Server) uploadFolder(ctx context.Context, targets, dir string) bool {
	wavs, err := listWAVs(dir)
	if err != nil {
		s.logger.Error("reading folder", "dir", dir, "error", err)
		return false
	}
	if len(wavs) == 0 {
		s.logger.Warn("no WAV files found", "dir", dir)
		return false
	}

	s.logger.Info(fmt.Sprintf("found %d WAV file(s) in %s", len(wavs), dir))
	ok := 0
	for i, name := range wavs {
		s.logger.Info(fmt.Sprintf("[%d/%d] uploading %s", i+1, len(wavs), name))
		if s.UploadFile(ctx, targets, filepath.Join(dir, name)) {
			ok++
		}
		if i < len(wavs)-1 {
			select {
			case <-ctx.Done():
				return ok > 0
			case <-time.After(uploadThrottleDelay):
			}
		}
	}
	s.logger.Info(fmt.Sprintf("folder upload completed: %d/%d files", ok, len(wavs)))
	return ok > 0
}

// DownloadURL manda os alvos baixarem de uma URL HTTP externa.
func (s *Server) DownloadURL(ctx context.Context, targets, url string) {
	sessions := s.registry.Resolve(targets)
	s.logger.Info("requesting URL download", "targets", len(sessions))

	filename := url
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		filename = url[i+1:]
	}

	for _, sess := range sessions {
		f := protocol.NewCommand(protocol.VerbDownloadURL)
		f.Kwargs["url"] = url
		f.Kwargs["filename"] = filename
		if err := sess.Transport.Send(f); err != nil {
			s.logger.Error("sending DOWNLOAD_URL", "client", sess.DisplayName(), "error", err)
			continue
		}
		s.logger.Info("download request sent", "client", sess.DisplayName())
	}
}

// Live abre um relay PCM ao vivo: uma fonte e um stream token por alvo.
func (s *Server) Live(ctx context.Context, targets, device string, rate, channels int, p audio.Params) {
	sessions := s.registry.Resolve(targets)
	if len(sessions) == 0 {
		return
	}
	s.queue.ManualPause()
	s.logger.Info("starting live relay", "device", device, "rate", rate, "channels", channels, "targets", len(sessions))

	factory := s.liveFactory(device, rate, channels)
	for _, sess := range sessions {
		src, err := factory()
		if err != nil {
			s.logger.Error("opening PCM source", "client", sess.DisplayName(), "error", err)
			continue
		}

		tok := s.tokens.MintStream(src, rate, channels)
		f := protocol.NewCommand(protocol.VerbStreamToken)
		f.Kwargs["token"] = tok.ID
		f.Kwargs["rate"] = strconv.Itoa(rate)
		f.Kwargs["channels"] = strconv.Itoa(channels)
		f.Kwargs["port"] = strconv.Itoa(s.cfg.Server.FilePort)
		f.Kwargs["freq"] = strconv.FormatFloat(p.FrequencyMHz, 'f', -1, 64)
		f.Kwargs["ps"] = p.PS
		f.Kwargs["rt"] = p.RT
		f.Kwargs["pi"] = p.PI

		if err := sess.Transport.Send(f); err != nil {
			s.logger.Error("sending stream token", "client", sess.DisplayName(), "error", err)
			src.Close()
			continue
		}
		s.logger.Info("stream token sent", "client", sess.DisplayName())
	}
	go s.handlers.Fire("s_onstart")
}

// listWAVs lista os WAVs (case-insensitive) de um diretório, ordenados.
func listWAVs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".wav") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// --- queue.Backend ---

// Targets implementa queue.Backend.
func (s *Server) Targets(spec string) []string {
	sessions := s.registry.Resolve(spec)
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}
	return ids
}

// DisplayName implementa queue.Backend.
func (s *Server) DisplayName(clientID string) string {
	if sess, ok := s.registry.Get(clientID); ok {
		return sess.DisplayName()
	}
	return clientID
}

// ClientFiles implementa queue.Backend: o acervo de cada client conectado.
func (s *Server) ClientFiles(ctx context.Context) (map[string]map[string]struct{}, error) {
	out := make(map[string]map[string]struct{})
	for _, sess := range s.registry.List() {
		reqCtx, cancel := context.WithTimeout(ctx, responseTimeout)
		files, err := sess.Transport.RequestFiles(reqCtx)
		cancel()
		if err != nil {
			s.logger.Error("getting files for queue", "client", sess.DisplayName(), "error", err)
			out[sess.ID] = map[string]struct{}{}
			continue
		}
		set := make(map[string]struct{}, len(files))
		for _, fi := range files {
			set[fi.Name] = struct{}{}
		}
		out[sess.ID] = set
	}
	return out, nil
}

// Play implementa queue.Backend: dispara um item num único client.
func (s *Server) Play(ctx context.Context, clientID, filename string, p audio.Params) error {
	sess, ok := s.registry.Get(clientID)
	if !ok {
		return fmt.Errorf("client %s not connected", clientID)
	}
	s.startBroadcast(ctx, []*registry.Session{sess}, filename, p)
	return nil
}

// Stop implementa queue.Backend.
func (s *Server) Stop(ctx context.Context, targets string) error {
	s.StopBroadcast(ctx, targets)
	return nil
}

// tokenStore expõe o store para os testes do pacote.
func (s *Server) tokenStore() *transfer.TokenStore {
	return s.tokens
}
