// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameLength é o comprimento máximo aceito para nomes de arquivo.
const maxFilenameLength = 255

// SanitizeWAVName valida e reduz um nome de arquivo ao basename seguro.
// Rejeita antes de qualquer I/O de disco: nomes vazios, NUL, separadores de
// path, traversal e qualquer coisa que não termine em .wav
// (case-insensitive). Retorna o basename validado.
func SanitizeWAVName(filename string) (string, error) {
	name, err := sanitizeName(filename)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(strings.ToLower(name), ".wav") {
		return "", fmt.Errorf("only WAV files are supported, got %q", name)
	}
	return name, nil
}

// sanitizeName aplica as regras de segurança de path sem a regra WAV.
// Os temp names do sync (.sync_temp_*) passam por aqui.
func sanitizeName(filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}
	if len(filename) > maxFilenameLength {
		return "", fmt.Errorf("filename exceeds max length %d", maxFilenameLength)
	}
	if strings.ContainsRune(filename, 0) {
		return "", fmt.Errorf("filename contains null byte")
	}
	if strings.ContainsAny(filename, "/\\") {
		return "", fmt.Errorf("filename contains path separator")
	}
	if strings.Contains(filename, "..") {
		return "", fmt.Errorf("filename contains path traversal")
	}

	base := filepath.Base(filename)
	if base == "" || base == "." || base == ".." {
		return "", fmt.Errorf("invalid filename after sanitization")
	}
	return base, nil
}

// ValidateInDir verifica que o caminho resolvido permanece dentro de
// baseDir. Defesa em profundidade contra path traversal.
func ValidateInDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}
	return nil
}
