// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/pgzip"
)

// Client fala com o File Transfer Service do server. Uma instância por
// conexão de controle; baseURL aponta para a porta de arquivos.
type Client struct {
	baseURL   string
	hc        *http.Client
	rateLimit int64
	compress  bool
}

// NewClient cria um Client para baseURL (ex.: https://host:9921).
// tlsCfg carrega o pin TOFU do server; rateLimit <= 0 desativa o
// throttle de upload; compress ativa gzip no corpo dos uploads.
func NewClient(baseURL string, tlsCfg *tls.Config, rateLimit int64, compress bool) *Client {
	return &Client{
		baseURL: baseURL,
		hc: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
		rateLimit: rateLimit,
		compress:  compress,
	}
}

// Upload envia o arquivo path para /upload/{token}. O corpo é comprimido
// com pgzip quando habilitado; o throttle aplica sobre os bytes na rede.
func (c *Client) Upload(ctx context.Context, token, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}

	pr, pw := io.Pipe()
	go func() {
		var dst io.Writer = NewThrottledWriter(ctx, pw, c.rateLimit)
		var gz *pgzip.Writer
		if c.compress {
			gz = pgzip.NewWriter(dst)
			dst = gz
		}
		_, cerr := io.CopyBuffer(dst, f, make([]byte, chunkSize))
		if gz != nil {
			if gerr := gz.Close(); cerr == nil {
				cerr = gerr
			}
		}
		pw.CloseWithError(cerr)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/"+token, pr)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	} else {
		req.ContentLength = info.Size()
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected: %s: %s", resp.Status, body)
	}
	return nil
}

// Download busca /download/{token} e grava em destPath.
func (c *Client) Download(ctx context.Context, token, destPath string) error {
	return c.fetch(ctx, c.baseURL+"/download/"+token, destPath)
}

// DownloadURL busca uma URL HTTP arbitrária (verbo DOWNLOAD_URL) e grava
// em destPath. Fontes externas não passam pelo pin do server.
func (c *Client) DownloadURL(ctx context.Context, url, destPath string) error {
	return c.fetch(ctx, url, destPath)
}

func (c *Client) fetch(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", filepath.Base(destPath), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download rejected: %s", resp.Status)
	}

	tmp := destPath + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(destPath), err)
	}

	written, err := io.CopyBuffer(f, resp.Body, make([]byte, chunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", filepath.Base(destPath), err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(tmp)
		return fmt.Errorf("download truncated: expected %d bytes, got %d", resp.ContentLength, written)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing %s: %w", filepath.Base(destPath), err)
	}
	return nil
}

// LiveStream abre /stream/{token} e devolve o corpo PCM com os parâmetros
// anunciados pelos headers. O caller fecha o ReadCloser ao parar.
func (c *Client) LiveStream(ctx context.Context, token string) (io.ReadCloser, int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream/"+token, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("building stream request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opening live stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, 0, fmt.Errorf("live stream rejected: %s", resp.Status)
	}

	rate, err := strconv.Atoi(resp.Header.Get("X-Sample-Rate"))
	if err != nil || rate <= 0 {
		resp.Body.Close()
		return nil, 0, 0, fmt.Errorf("invalid X-Sample-Rate %q", resp.Header.Get("X-Sample-Rate"))
	}
	channels, err := strconv.Atoi(resp.Header.Get("X-Channels"))
	if err != nil || channels <= 0 {
		resp.Body.Close()
		return nil, 0, 0, fmt.Errorf("invalid X-Channels %q", resp.Header.Get("X-Channels"))
	}
	return resp.Body, rate, channels, nil
}

// WaitServer tenta alcançar o serviço até o deadline, para o client não
// pedir tokens antes da porta de arquivos subir.
func (c *Client) WaitServer(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/probe", nil)
		if err != nil {
			return err
		}
		resp, err := c.hc.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("file service unreachable: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
