// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/dpipstudio/botwave/internal/registry"
)

const (
	syncTempPrefix = ".sync_temp_"

	// syncStableBudget limita a espera por um upload completar (tamanho
	// estável e arquivo abrível).
	syncStableBudget = 120 * time.Second
	syncStablePoll   = 500 * time.Millisecond
	syncStableRounds = 3

	// syncClearDelay dá tempo aos clients de processarem o REMOVE_FILE all
	// antes dos novos tokens chegarem.
	syncClearDelay = time.Second
)

// Sync replica acervos de WAV entre clients e pastas do server. A barra
// final marca qual argumento é pasta local:
//
//	sync <folder>/ <client>    puxa o acervo do client para a pasta
//	sync <targets> <folder>/   espelha a pasta nos alvos (acervo é limpo)
//	sync <targets> <client>    espelha o acervo de um client nos demais
func (s *Server) Sync(ctx context.Context, first, second string) {
	switch {
	case strings.HasSuffix(first, "/"):
		s.syncClientToFolder(ctx, second, filepath.Clean(first))
	case strings.HasSuffix(second, "/"):
		s.syncFolderToClients(ctx, filepath.Clean(second), first)
	default:
		s.syncClientToClients(ctx, second, first)
	}
}

// syncClientToFolder puxa todos os WAVs de um client para uma pasta local.
// Uploads chegam com nome temporário e são renomeados quando estáveis.
func (s *Server) syncClientToFolder(ctx context.Context, clientSpec, dir string) {
	sessions := s.registry.Resolve(clientSpec)
	if len(sessions) != 1 {
		s.logger.Error("sync source must resolve to exactly one client", "source", clientSpec)
		return
	}
	sess := sessions[0]

	reqCtx, cancel := context.WithTimeout(ctx, responseTimeout)
	files, err := sess.Transport.RequestFiles(reqCtx)
	cancel()
	if err != nil {
		s.logger.Error("listing files for sync", "client", sess.DisplayName(), "error", err)
		return
	}
	if len(files) == 0 {
		s.logger.Warn("nothing to sync, client has no files", "client", sess.DisplayName())
		return
	}

	s.logger.Info(fmt.Sprintf("syncing %d file(s) from %s to %s", len(files), sess.DisplayName(), dir))
	ok := 0
	for i, fi := range files {
		s.logger.Info(fmt.Sprintf("[%d/%d] pulling %s", i+1, len(files), fi.Name))
		if s.pullFile(ctx, sess, fi, dir) {
			ok++
		}
		if i < len(files)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(uploadThrottleDelay):
			}
		}
	}
	s.logger.Info(fmt.Sprintf("sync completed: %d/%d files", ok, len(files)))
}

// pullFile pede ao client que envie um arquivo via upload token e espera o
// upload assentar antes de renomear para o nome final.
func (s *Server) pullFile(ctx context.Context, sess *registry.Session, fi registry.FileInfo, dir string) bool {
	tempName := syncTempName(sess.ID, fi.Name)
	tok := s.tokens.MintUpload(tempName, fi.Size, dir)

	f := protocol.NewCommand(protocol.VerbUploadToken)
	f.Kwargs["token"] = tok.ID
	f.Kwargs["filename"] = fi.Name
	f.Kwargs["size"] = strconv.FormatInt(fi.Size, 10)
	f.Kwargs["port"] = strconv.Itoa(s.cfg.Server.FilePort)
	if err := sess.Transport.Send(f); err != nil {
		s.logger.Error("sending upload token", "client", sess.DisplayName(), "error", err)
		return false
	}

	tempPath := filepath.Join(dir, tempName)
	if err := waitForStableFile(ctx, tempPath, fi.Size); err != nil {
		s.logger.Error("waiting for upload", "file", fi.Name, "error", err)
		os.Remove(tempPath)
		return false
	}

	finalPath := filepath.Join(dir, fi.Name)
	if err := renameWithRetry(tempPath, finalPath); err != nil {
		s.logger.Error("renaming synced file", "file", fi.Name, "error", err)
		os.Remove(tempPath)
		return false
	}
	s.logger.Info("file synced", "file", fi.Name, "size", formatSize(fi.Size))
	return true
}

// syncFolderToClients espelha uma pasta local nos alvos: o acervo deles é
// limpo e todos os WAVs da pasta são reenviados.
func (s *Server) syncFolderToClients(ctx context.Context, dir, targets string) {
	wavs, err := listWAVs(dir)
	if err != nil {
		s.logger.Error("reading sync folder", "dir", dir, "error", err)
		return
	}
	if len(wavs) == 0 {
		s.logger.Warn("no WAV files to sync", "dir", dir)
		return
	}

	sessions := s.registry.Resolve(targets)
	if len(sessions) == 0 {
		return
	}

	s.logger.Info(fmt.Sprintf("syncing %d file(s) from %s to %d client(s)", len(wavs), dir, len(sessions)))
	s.RemoveFile(ctx, targets, "all")
	select {
	case <-ctx.Done():
		return
	case <-time.After(syncClearDelay):
	}

	for i, name := range wavs {
		s.logger.Info(fmt.Sprintf("[%d/%d] pushing %s", i+1, len(wavs), name))
		s.UploadFile(ctx, targets, filepath.Join(dir, name))
		if i < len(wavs)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(uploadThrottleDelay):
			}
		}
	}
	s.logger.Info("sync push completed")
}

// syncClientToClients espelha o acervo de um client nos demais, usando uma
// pasta temporária no server como staging.
func (s *Server) syncClientToClients(ctx context.Context, src, targets string) {
	staging, err := os.MkdirTemp("", "botwave_sync_")
	if err != nil {
		s.logger.Error("creating sync staging dir", "error", err)
		return
	}
	defer os.RemoveAll(staging)

	s.logger.Info("staging client files for sync", "dir", staging)
	s.syncClientToFolder(ctx, src, staging)

	wavs, err := listWAVs(staging)
	if err != nil || len(wavs) == 0 {
		s.logger.Error("no files staged, aborting sync", "source", src)
		return
	}
	s.syncFolderToClients(ctx, staging, targets)
}

// syncTempName gera um nome temporário único por client e arquivo; o
// pontinho inicial o esconde das listagens de WAV.
func syncTempName(clientID, name string) string {
	var b [4]byte
	rand.Read(b[:])
	return syncTempPrefix + clientID + "_" + hex.EncodeToString(b[:]) + "_" + name
}

// waitForStableFile espera o arquivo atingir o tamanho esperado e ficar
// estável (mesmo tamanho em leituras consecutivas) e abrível.
func waitForStableFile(ctx context.Context, path string, wantSize int64) error {
	deadline := time.Now().Add(syncStableBudget)
	var lastSize int64 = -1
	stable := 0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(syncStablePoll):
		}

		info, err := os.Stat(path)
		if err != nil {
			stable = 0
			lastSize = -1
			continue
		}

		size := info.Size()
		if size == lastSize && (wantSize <= 0 || size == wantSize) {
			stable++
			if stable >= syncStableRounds {
				f, err := os.Open(path)
				if err != nil {
					stable = 0
					continue
				}
				f.Close()
				return nil
			}
		} else {
			stable = 0
		}
		lastSize = size
	}
	return fmt.Errorf("file %s did not stabilize within %s", filepath.Base(path), syncStableBudget)
}

// renameWithRetry tenta o rename algumas vezes; o writer pode ainda estar
// soltando o handle logo após o upload.
func renameWithRetry(oldPath, newPath string) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = os.Rename(oldPath, newPath); err == nil {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("renaming %s: %w", filepath.Base(oldPath), err)
}
