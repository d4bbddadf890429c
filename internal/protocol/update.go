// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// updateCheckTimeout limita a consulta de versão no startup. A checagem é
// best-effort: falha de rede nunca impede o processo de subir.
const updateCheckTimeout = 10 * time.Second

// CheckForUpdates consulta url (texto puro com a última versão estável) e
// retorna a versão remota se for mais nova que a local, ou "" caso
// contrário.
func CheckForUpdates(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, updateCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building version check request: %w", err)
	}
	req.Header.Set("User-Agent", "BotWaveVCheck/"+Version)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("checking for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version check returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("reading version response: %w", err)
	}
	remote := strings.TrimSpace(string(raw))

	if newerThan(remote, Version) {
		return remote, nil
	}
	return "", nil
}

// newerThan compara a.b.c lexicograficamente por componente.
func newerThan(a, b string) bool {
	aMaj, aMin, aPat := ParseVersion(a)
	bMaj, bMin, bPat := ParseVersion(b)
	if aMaj != bMaj {
		return aMaj > bMaj
	}
	if aMin != bMin {
		return aMin > bMin
	}
	return aPat > bPat
}
