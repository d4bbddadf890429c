// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/pgzip"
)

// chunkSize é o tamanho de bloco para I/O de arquivos.
const chunkSize = 64 * 1024

// writeTimeout cobre a resposta inteira de upload/download. Streams PCM
// são long-lived e usam o server sem timeout (serveStream pace a escrita).
const idleTimeout = 120 * time.Second

// Service é o serviço HTTP de arquivos: upload, download e streaming PCM,
// todos gated por token single-use.
type Service struct {
	store  *TokenStore
	logger *slog.Logger

	// uploadRoot é mutável em runtime: o sync engine redireciona uploads
	// para um staging dir durante um ciclo de import.
	uploadRoot atomic.Value // string

	// Métricas observáveis pelo stats reporter
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
}

// NewService cria o serviço de arquivos servindo uploads em uploadDir.
func NewService(store *TokenStore, uploadDir string, logger *slog.Logger) *Service {
	s := &Service{
		store:  store,
		logger: logger.With("component", "file_service"),
	}
	s.uploadRoot.Store(uploadDir)
	return s
}

// UploadRoot retorna o diretório corrente de uploads.
func (s *Service) UploadRoot() string {
	return s.uploadRoot.Load().(string)
}

// SetUploadRoot troca o destino de uploads sem token Dir explícito.
// Usado pelo sync engine para capturar uploads num staging dir.
func (s *Service) SetUploadRoot(dir string) {
	s.uploadRoot.Store(dir)
}

// Handler retorna o mux HTTP do serviço.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/{token}", s.serveUpload)
	mux.HandleFunc("GET /download/{token}", s.serveDownload)
	mux.HandleFunc("GET /stream/{token}", s.serveStream)
	return mux
}

// NewHTTPServer monta o http.Server do serviço no addr dado.
func (s *Service) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		IdleTimeout: idleTimeout,
	}
}

// take resolve o token da URL, escrevendo a resposta de erro apropriada:
// 404 para token desconhecido/consumido, 403 para expirado.
func (s *Service) take(w http.ResponseWriter, r *http.Request, kind TokenKind) (*Token, bool) {
	id := r.PathValue("token")
	t, err := s.store.Take(id, kind)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			http.Error(w, "Token expired", http.StatusForbidden)
		default:
			http.Error(w, "Invalid token", http.StatusNotFound)
		}
		s.logger.Warn("token rejected", "kind", kind.String(), "remote", r.RemoteAddr, "error", err)
		return nil, false
	}
	return t, true
}

func (s *Service) serveUpload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.take(w, r, KindUpload)
	if !ok {
		return
	}

	dir := t.Dir
	if dir == "" {
		dir = s.UploadRoot()
	}
	dest := filepath.Join(dir, t.Filename)
	if err := ValidateInDir(dir, dest); err != nil {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	var body io.Reader = r.Body
	// Clients podem comprimir o corpo; o tamanho esperado refere-se aos
	// bytes descomprimidos.
	if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := pgzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "Malformed gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}

	written, err := s.writeFile(dest, body)
	s.BytesIn.Add(written)
	if err != nil {
		os.Remove(dest)
		s.logger.Error("upload failed", "file", t.Filename, "error", err)
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	// Tamanho divergente indica transferência truncada ou corrompida:
	// o parcial é removido para não entrar no acervo de broadcast.
	if t.Size > 0 && written != t.Size {
		os.Remove(dest)
		s.logger.Warn("upload size mismatch", "file", t.Filename, "expected", t.Size, "got", written)
		http.Error(w, fmt.Sprintf("Size mismatch: expected %d bytes, got %d", t.Size, written), http.StatusBadRequest)
		return
	}

	s.logger.Info("upload complete", "file", t.Filename, "bytes", written, "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Upload successful")
}

// writeFile copia body para path em blocos de chunkSize via arquivo
// temporário, renomeando no final para nunca expor um parcial.
func (s *Service) writeFile(path string, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating upload dir: %w", err)
	}

	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating upload file: %w", err)
	}

	written, err := io.CopyBuffer(f, body, make([]byte, chunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return written, fmt.Errorf("writing upload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return written, fmt.Errorf("finalizing upload: %w", err)
	}
	return written, nil
}

func (s *Service) serveDownload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.take(w, r, KindDownload)
	if !ok {
		return
	}

	f, err := os.Open(t.Filepath)
	if err != nil {
		s.logger.Error("download open failed", "file", t.Filepath, "error", err)
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(t.Filepath)))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	sent, err := io.CopyBuffer(w, f, make([]byte, chunkSize))
	s.BytesOut.Add(sent)
	if err != nil {
		s.logger.Warn("download interrupted", "file", t.Filepath, "sent", sent, "error", err)
		return
	}
	s.logger.Info("download complete", "file", filepath.Base(t.Filepath), "bytes", sent, "remote", r.RemoteAddr)
}

func (s *Service) serveStream(w http.ResponseWriter, r *http.Request) {
	t, ok := s.take(w, r, KindStream)
	if !ok {
		return
	}
	defer t.Source.Close()

	w.Header().Set("Content-Type", "audio/pcm")
	w.Header().Set("X-Sample-Rate", strconv.Itoa(t.Rate))
	w.Header().Set("X-Channels", strconv.Itoa(t.Channels))
	w.Header().Set("X-Sample-Format", "S16_LE")

	// S16_LE: 2 bytes por sample. A escrita é paced na taxa real do PCM
	// para o client não bufferizar mais áudio do que consegue transmitir.
	byteRate := int64(t.Rate * t.Channels * 2)
	tw := NewThrottledWriter(r.Context(), w, byteRate)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	var sent int64
	for {
		n, err := t.Source.Read(buf)
		if n > 0 {
			wn, werr := tw.Write(buf[:n])
			sent += int64(wn)
			if flusher != nil {
				flusher.Flush()
			}
			if werr != nil {
				s.logger.Info("live stream closed by client", "sent", sent)
				s.BytesOut.Add(sent)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("live source read failed", "error", err)
			}
			break
		}
	}
	s.BytesOut.Add(sent)
	s.logger.Info("live stream ended", "bytes", sent, "remote", r.RemoteAddr)
}
