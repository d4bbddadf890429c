// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/dpipstudio/botwave/internal/transfer"
)

// fileInfo é a entrada do inventário enviado no kwarg files=.
type fileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// listWAVs enumera os WAVs do diretório de uploads, em ordem de diretório.
func listWAVs(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading uploads dir: %w", err)
	}

	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{Name: e.Name(), Size: info.Size()})
	}
	return files, nil
}

// handleListFiles responde um LIST_FILES com o inventário local em JSON.
func (r *Runtime) handleListFiles() {
	files, err := listWAVs(r.cfg.Uploads.Dir)
	if err != nil {
		r.sendError(fmt.Sprintf("Listing files: %v", err))
		return
	}

	payload, err := json.Marshal(files)
	if err != nil {
		r.sendError(fmt.Sprintf("Encoding file list: %v", err))
		return
	}

	ok := protocol.NewOK("")
	ok.Kwargs["files"] = string(payload)
	r.send(ok)
}

// handleRemoveFile apaga um WAV da coleção local, ou todos quando o
// filename é "all".
func (r *Runtime) handleRemoveFile(f *protocol.Frame) {
	target := f.Kwarg("filename", "")
	if target == "all" {
		files, err := listWAVs(r.cfg.Uploads.Dir)
		if err != nil {
			r.sendError(fmt.Sprintf("Listing files: %v", err))
			return
		}
		removed := 0
		for _, fi := range files {
			if err := os.Remove(filepath.Join(r.cfg.Uploads.Dir, fi.Name)); err != nil {
				r.logger.Warn("removing file", "file", fi.Name, "error", err)
				continue
			}
			removed++
		}
		r.logger.Info("removed all files", "count", removed)
		r.sendOK(fmt.Sprintf("Removed %d files", removed))
		return
	}

	name, err := transfer.SanitizeWAVName(target)
	if err != nil {
		r.sendError(fmt.Sprintf("Invalid filename: %v", err))
		return
	}
	if err := os.Remove(filepath.Join(r.cfg.Uploads.Dir, name)); err != nil {
		r.sendError(fmt.Sprintf("File %s not found", name))
		return
	}
	r.logger.Info("removed file", "file", name)
	r.sendOK(fmt.Sprintf("File %s removed", name))
}
