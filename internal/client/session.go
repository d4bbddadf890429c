// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/config"
	"github.com/dpipstudio/botwave/internal/pki"
	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/dpipstudio/botwave/internal/transfer"
)

// monitorInterval é a frequência do poll de playback que detecta o fim
// natural de um broadcast.
const monitorInterval = time.Second

// transferTimeout limita downloads e uploads de arquivo individuais.
const transferTimeout = 10 * time.Minute

// session processa os frames de uma conexão registrada até ela cair.
// Roda na goroutine do Run; comandos de transmissor executam inline.
func (r *Runtime) session(ctx context.Context, conn net.Conn) error {
	r.writeMu.Lock()
	r.conn = conn
	r.writeMu.Unlock()
	defer func() {
		r.writeMu.Lock()
		r.conn = nil
		r.writeMu.Unlock()
	}()

	frames := make(chan *protocol.Frame)
	readErr := make(chan error, 1)
	go func() {
		fr := protocol.NewFrameReader(conn)
		for {
			f, err := fr.ReadFrame()
			if err != nil {
				if errors.Is(err, protocol.ErrEmptyFrame) {
					continue
				}
				if errors.Is(err, protocol.ErrInvalidSyntax) {
					r.sendError(err.Error())
					continue
				}
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	monitor := time.NewTicker(monitorInterval)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case f := <-frames:
			if err := r.dispatch(ctx, f); err != nil {
				return err
			}
		case fn := <-r.actions:
			fn()
		case <-monitor.C:
			r.pollPlayback()
		}
	}
}

// dispatch executa um comando do server. Retorna ErrKicked/ErrRestart para
// encerrar o runtime; outros erros são respondidos ao server e não derrubam
// a sessão.
func (r *Runtime) dispatch(ctx context.Context, f *protocol.Frame) error {
	switch f.Verb {
	case protocol.VerbPing:
		r.send(protocol.NewCommand(protocol.VerbPong))

	case protocol.VerbStart:
		r.handleStart(f)

	case protocol.VerbStop:
		r.handleStop()

	case protocol.VerbKick:
		r.logger.Warn("kicked from server", "reason", f.Kwarg("reason", "Kicked by administrator"))
		return ErrKicked

	case protocol.VerbRestart:
		r.logger.Info("restart requested by server")
		r.tx.Stop()
		r.sendOK("Restart acknowledged")
		return ErrRestart

	case protocol.VerbListFiles:
		r.handleListFiles()

	case protocol.VerbRemoveFile:
		r.handleRemoveFile(f)

	case protocol.VerbDownloadToken:
		go r.handleDownloadToken(ctx, f)

	case protocol.VerbUploadToken:
		go r.handleUploadToken(ctx, f)

	case protocol.VerbDownloadURL:
		go r.handleDownloadURL(ctx, f)

	case protocol.VerbStreamToken:
		go r.openLiveStream(ctx, f)

	default:
		r.sendError(fmt.Sprintf("Unknown command: %s", f.Verb))
	}
	return nil
}

// handleStart valida o arquivo e inicia (ou agenda) a transmissão.
func (r *Runtime) handleStart(f *protocol.Frame) {
	name, err := transfer.SanitizeWAVName(f.Kwarg("filename", ""))
	if err != nil {
		r.sendError(fmt.Sprintf("Invalid filename: %v", err))
		return
	}
	path := filepath.Join(r.cfg.Uploads.Dir, name)
	if _, err := os.Stat(path); err != nil {
		r.sendError(fmt.Sprintf("File %s not found", name))
		return
	}

	p := broadcastParams(f)
	// start_at é um epoch em segundos, possivelmente fracionário.
	startAt, _ := strconv.ParseFloat(f.Kwarg("start_at", "0"), 64)
	if delay := time.Until(time.UnixMilli(int64(startAt * 1000))); startAt > 0 && delay > 0 {
		r.logger.Info("broadcast scheduled", "file", name, "in", delay.Round(time.Millisecond))
		time.AfterFunc(delay, func() {
			r.enqueue(func() { r.startBroadcast(path, name, p) })
		})
		r.sendOK(fmt.Sprintf("Broadcast scheduled to start in %.2f seconds", delay.Seconds()))
		return
	}

	if r.startBroadcast(path, name, p) {
		r.sendOK("Broadcasting started")
	} else {
		r.sendError("Failed to start broadcast")
	}
}

// active informa se o transmissor está ocupado com arquivo ou live.
func active(st audio.Status) bool {
	return st.Playing || st.LiveStreaming
}

// startBroadcast troca a transmissão corrente pelo arquivo dado.
func (r *Runtime) startBroadcast(path, name string, p audio.Params) bool {
	if active(r.tx.Status()) {
		r.stopRequested = true
		if err := r.tx.Stop(); err != nil {
			r.logger.Error("stopping current broadcast", "error", err)
		}
	}

	if err := r.tx.Start(path, p); err != nil {
		r.logger.Error("starting broadcast", "file", name, "error", err)
		return false
	}
	r.currentFile = name
	r.stopRequested = false
	r.logger.Info("broadcasting", "file", name, "freq", p.FrequencyMHz, "loop", p.Loop)
	return true
}

func (r *Runtime) handleStop() {
	if !active(r.tx.Status()) {
		r.sendError("No broadcast running")
		return
	}
	r.stopRequested = true
	if err := r.tx.Stop(); err != nil {
		r.sendError(fmt.Sprintf("Stop error: %v", err))
		return
	}
	r.logger.Info("broadcast stopped by server")
	r.sendOK("Broadcasting stopped")
}

// pollPlayback detecta a transição playing → stopped. Quando o transmissor
// parou sozinho (fim do arquivo, sem loop), reporta o evento ao server para
// a fila avançar.
func (r *Runtime) pollPlayback() {
	if r.currentFile == "" || active(r.tx.Status()) {
		return
	}

	file := r.currentFile
	r.currentFile = ""
	if r.stopRequested {
		r.stopRequested = false
		return
	}

	r.logger.Info("broadcast finished", "file", file)
	ev := protocol.NewOK("")
	ev.Kwargs["event"] = protocol.EventBroadcastEnded
	ev.Kwargs["filename"] = file
	r.send(ev)
}

// broadcastParams extrai os parâmetros FM/RDS de um frame START ou
// STREAM_TOKEN.
func broadcastParams(f *protocol.Frame) audio.Params {
	freq, err := strconv.ParseFloat(f.Kwarg("freq", "90.0"), 64)
	if err != nil {
		freq = 90.0
	}
	return audio.Params{
		FrequencyMHz: freq,
		PS:           f.Kwarg("ps", "BotWave"),
		RT:           f.Kwarg("rt", "Broadcasting"),
		PI:           f.Kwarg("pi", "FFFF"),
		Loop:         f.Kwarg("loop", "false") == "true",
	}
}

// fileClient monta o Client HTTPS da porta de arquivos anunciada no frame.
func (r *Runtime) fileClient(f *protocol.Frame) *transfer.Client {
	port := f.Kwarg("port", strconv.Itoa(config.DefaultFilePort))
	baseURL := "https://" + net.JoinHostPort(r.cfg.Server.Host, port)
	return transfer.NewClient(baseURL, pki.NewClientTLSConfig(r.cfg.TLS.PinFile), r.cfg.Uploads.RateLimitRaw, true)
}

// handleDownloadToken baixa um arquivo do server (comando upload do
// operador). Roda em goroutine própria.
func (r *Runtime) handleDownloadToken(ctx context.Context, f *protocol.Frame) {
	name, err := transfer.SanitizeWAVName(f.Kwarg("filename", ""))
	if err != nil {
		r.sendError(fmt.Sprintf("Invalid filename: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	r.logger.Info("downloading file from server", "file", name)
	dest := filepath.Join(r.cfg.Uploads.Dir, name)
	if err := r.fileClient(f).Download(ctx, f.Kwarg("token", ""), dest); err != nil {
		r.logger.Error("downloading file", "file", name, "error", err)
		r.sendError(fmt.Sprintf("Download failed: %v", err))
		return
	}
	r.logger.Info("file received", "file", name)
	r.sendOK(fmt.Sprintf("File %s downloaded successfully", name))
}

// handleUploadToken envia um arquivo local para o server (sync pull).
// O nome temporário de destino fica do lado do server; aqui só aparece o
// nome real. Roda em goroutine própria.
func (r *Runtime) handleUploadToken(ctx context.Context, f *protocol.Frame) {
	name, err := transfer.SanitizeWAVName(f.Kwarg("filename", ""))
	if err != nil {
		r.sendError(fmt.Sprintf("Invalid filename: %v", err))
		return
	}
	path := filepath.Join(r.cfg.Uploads.Dir, name)
	if _, err := os.Stat(path); err != nil {
		r.sendError(fmt.Sprintf("File %s not found", name))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	r.logger.Info("uploading file to server", "file", name)
	if err := r.fileClient(f).Upload(ctx, f.Kwarg("token", ""), path); err != nil {
		r.logger.Error("uploading file", "file", name, "error", err)
		r.sendError(fmt.Sprintf("Upload failed: %v", err))
		return
	}
	r.logger.Info("file sent", "file", name)
	r.sendOK(fmt.Sprintf("File %s uploaded successfully", name))
}

// handleDownloadURL baixa de uma URL externa (comando dl). Roda em
// goroutine própria.
func (r *Runtime) handleDownloadURL(ctx context.Context, f *protocol.Frame) {
	name, err := transfer.SanitizeWAVName(f.Kwarg("filename", ""))
	if err != nil {
		r.sendError(fmt.Sprintf("Invalid filename: %v", err))
		return
	}
	url := f.Kwarg("url", "")
	if url == "" {
		r.sendError("Missing url")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	r.logger.Info("downloading from URL", "url", url, "file", name)
	c := transfer.NewClient("", nil, r.cfg.Uploads.RateLimitRaw, false)
	if err := c.DownloadURL(ctx, url, filepath.Join(r.cfg.Uploads.Dir, name)); err != nil {
		r.logger.Error("downloading from URL", "url", url, "error", err)
		r.sendError(fmt.Sprintf("Download failed: %v", err))
		return
	}
	r.logger.Info("file received", "file", name)
	r.sendOK(fmt.Sprintf("File %s downloaded successfully", name))
}

// openLiveStream abre o relay PCM do server e entrega o corpo ao
// transmissor pela goroutine principal.
func (r *Runtime) openLiveStream(ctx context.Context, f *protocol.Frame) {
	body, rate, channels, err := r.fileClient(f).LiveStream(ctx, f.Kwarg("token", ""))
	if err != nil {
		r.logger.Error("opening live stream", "error", err)
		r.sendError(fmt.Sprintf("Live stream failed: %v", err))
		return
	}

	p := broadcastParams(f)
	r.enqueue(func() {
		if active(r.tx.Status()) {
			r.stopRequested = true
			r.tx.Stop()
		}
		if err := r.tx.StartLive(body, rate, channels, p); err != nil {
			body.Close()
			r.logger.Error("starting live broadcast", "error", err)
			r.sendError(fmt.Sprintf("Live broadcast failed: %v", err))
			return
		}
		r.currentFile = "live stream"
		r.stopRequested = false
		r.logger.Info("live broadcast started", "rate", rate, "channels", channels, "freq", p.FrequencyMHz)
		r.sendOK("Live broadcast started")
	})
}
