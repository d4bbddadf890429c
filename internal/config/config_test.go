// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  passkey: secret\n")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != DefaultControlPort {
		t.Errorf("port = %d, want %d", cfg.Server.Port, DefaultControlPort)
	}
	if cfg.Server.FilePort != DefaultFilePort {
		t.Errorf("file_port = %d, want %d", cfg.Server.FilePort, DefaultFilePort)
	}
	if cfg.Uploads.Dir != DefaultUploadDir {
		t.Errorf("uploads.dir = %q, want %q", cfg.Uploads.Dir, DefaultUploadDir)
	}
	if cfg.TLS.Cert != DefaultTLSCert || cfg.TLS.Key != DefaultTLSKey {
		t.Errorf("tls = %q/%q", cfg.TLS.Cert, cfg.TLS.Key)
	}
	if !cfg.Server.WaitStart() {
		t.Error("WaitStart() = false by default, want true")
	}
}

func TestLoadServerConfigFull(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 10.0.0.1
  port: 7000
  file_port: 7001
  passkey: hunter2
  start_asap: true
uploads:
  dir: /srv/wavs
  rate_limit: 8mb
remote_shell:
  enabled: true
  port: 7002
  allow_origins:
    - 10.0.0.0/24
    - 192.168.1.7
archive:
  enabled: true
  bucket: radio-archive
programs:
  - schedule: "0 8 * * *"
    command: start all morning.wav 90.5
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	if cfg.ControlAddr() != "10.0.0.1:7000" {
		t.Errorf("ControlAddr() = %q", cfg.ControlAddr())
	}
	if cfg.FileAddr() != "10.0.0.1:7001" {
		t.Errorf("FileAddr() = %q", cfg.FileAddr())
	}
	if cfg.Server.WaitStart() {
		t.Error("WaitStart() = true with start_asap")
	}
	if cfg.Uploads.RateLimitRaw != 8*1024*1024 {
		t.Errorf("RateLimitRaw = %d", cfg.Uploads.RateLimitRaw)
	}
	if len(cfg.RemoteShell.ParsedCIDRs) != 2 {
		t.Fatalf("ParsedCIDRs = %d, want 2", len(cfg.RemoteShell.ParsedCIDRs))
	}
	if got := cfg.RemoteShell.ParsedCIDRs[1].String(); got != "192.168.1.7/32" {
		t.Errorf("single IP origin = %q, want /32", got)
	}
	if cfg.Archive.Region != "us-east-1" || cfg.Archive.Prefix != "botwave/" {
		t.Errorf("archive defaults = %q/%q", cfg.Archive.Region, cfg.Archive.Prefix)
	}
}

func TestServerConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "port collision",
			yaml: "server:\n  port: 9000\n  file_port: 9000\n",
			want: "must differ",
		},
		{
			name: "remote shell without port",
			yaml: "remote_shell:\n  enabled: true\n",
			want: "remote_shell.port is required",
		},
		{
			name: "bad origin",
			yaml: "remote_shell:\n  enabled: true\n  port: 7002\n  allow_origins: [not-an-ip]\n",
			want: "not a valid IP or CIDR",
		},
		{
			name: "archive without bucket",
			yaml: "archive:\n  enabled: true\n",
			want: "archive.bucket is required",
		},
		{
			name: "archive half credentials",
			yaml: "archive:\n  enabled: true\n  bucket: b\n  access_key: only\n",
			want: "must be set together",
		},
		{
			name: "bad cron schedule",
			yaml: "programs:\n  - schedule: not-cron\n    command: help\n",
			want: "programs[0].schedule",
		},
		{
			name: "program without command",
			yaml: "programs:\n  - schedule: \"* * * * *\"\n    command: \"\"\n",
			want: "programs[0].command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServerConfig(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadClientConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: radio-hq.example
  passkey: hunter2
network:
  dscp: AF41
retry:
  max_attempts: 10
`)

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}

	if cfg.ServerAddr() != "radio-hq.example:9938" {
		t.Errorf("ServerAddr() = %q", cfg.ServerAddr())
	}
	if cfg.Network.DSCPValue != 34 {
		t.Errorf("DSCPValue = %d, want 34 (AF41)", cfg.Network.DSCPValue)
	}
	if cfg.Retry.InitialDelay != time.Second || cfg.Retry.MaxDelay != 5*time.Minute {
		t.Errorf("retry defaults = %v/%v", cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
	}
	if cfg.Stats.Interval != 5*time.Minute {
		t.Errorf("stats interval = %v, want 5m", cfg.Stats.Interval)
	}
	if cfg.TLS.PinFile != DefaultPinFile {
		t.Errorf("pin file = %q", cfg.TLS.PinFile)
	}
}

func TestClientConfigRequiresHost(t *testing.T) {
	var cfg ClientConfig
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "server.host") {
		t.Errorf("Validate() = %v, want server.host error", err)
	}
}

func TestClientConfigRejectsUnknownDSCP(t *testing.T) {
	cfg := ClientConfig{}
	cfg.Server.Host = "h"
	cfg.Network.DSCP = "GOLD"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "DSCP") {
		t.Errorf("Validate() = %v, want DSCP error", err)
	}
}

func TestParseDSCP(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"EF", 46, false},
		{"ef", 46, false},
		{" af41 ", 34, false},
		{"CS0", 0, false},
		{"CS7", 56, false},
		{"bogus", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDSCP(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDSCP(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDSCP(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512b", 512, false},
		{"4kb", 4 * 1024, false},
		{"8mb", 8 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"8MB", 8 * 1024 * 1024, false},
		{"", 0, true},
		{"fast", 0, true},
		{"mb", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
