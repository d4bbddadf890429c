// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeWAVName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple", "show.wav", "show.wav", false},
		{"uppercase extension", "SHOW.WAV", "SHOW.WAV", false},
		{"spaces", "morning show.wav", "morning show.wav", false},
		{"empty", "", "", true},
		{"not wav", "show.mp3", "", true},
		{"no extension", "show", "", true},
		{"path separator", "dir/show.wav", "", true},
		{"backslash", `dir\show.wav`, "", true},
		{"traversal", "../show.wav", "", true},
		{"null byte", "show\x00.wav", "", true},
		{"too long", strings.Repeat("a", 300) + ".wav", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeWAVName(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeWAVName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeWAVName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateInDir(t *testing.T) {
	base := t.TempDir()

	if err := ValidateInDir(base, filepath.Join(base, "a.wav")); err != nil {
		t.Errorf("path inside base rejected: %v", err)
	}
	if err := ValidateInDir(base, filepath.Join(base, "sub", "a.wav")); err != nil {
		t.Errorf("nested path rejected: %v", err)
	}
	if err := ValidateInDir(base, filepath.Join(base, "..", "escape.wav")); err == nil {
		t.Error("escaping path accepted")
	}
	if err := ValidateInDir(base, "/etc/passwd"); err == nil {
		t.Error("absolute outside path accepted")
	}
}
