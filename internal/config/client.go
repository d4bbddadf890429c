// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dpipstudio/botwave/internal/protocol"
	"gopkg.in/yaml.v3"
)

// ClientConfig representa a configuração completa do botwave-client.
type ClientConfig struct {
	Server   ClientServer `yaml:"server"`
	TLS      TLSPin       `yaml:"tls"`
	Uploads  UploadsInfo  `yaml:"uploads"`
	Network  NetworkInfo  `yaml:"network"`
	Retry    RetryInfo    `yaml:"retry"`
	Stats    StatsInfo    `yaml:"stats"`
	Logging  LoggingInfo  `yaml:"logging"`
	Update   UpdateInfo   `yaml:"update"`
}

// ClientServer contém o endereço do server e o passkey de autenticação.
type ClientServer struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`    // default: 9938
	Passkey string `yaml:"passkey"` // vazio = sem AUTH no handshake
}

// TLSPin contém o arquivo de fingerprint TOFU do certificado do server.
// Na primeira conexão o fingerprint SHA-256 é gravado; conexões seguintes
// exigem o mesmo certificado.
type TLSPin struct {
	PinFile string `yaml:"pin_file"` // default: /opt/BotWave/server.pin
}

// NetworkInfo contém a marcação DSCP do canal de controle.
type NetworkInfo struct {
	DSCP string `yaml:"dscp"` // "EF", "AF41", "CS5"... vazio = desabilitado

	// DSCPValue é preenchido em Validate(); não vem do YAML.
	DSCPValue int `yaml:"-"`
}

// RetryInfo contém a política de reconexão com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`  // 0 = reconecta para sempre
	InitialDelay time.Duration `yaml:"initial_delay"` // default: 1s
	MaxDelay     time.Duration `yaml:"max_delay"`     // default: 5m
}

// StatsInfo contém o intervalo do reporte periódico de recursos da máquina.
type StatsInfo struct {
	Interval time.Duration `yaml:"interval"` // default: 5m
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // vazio = apenas console
}

// UpdateInfo contém a checagem de versão feita no startup.
type UpdateInfo struct {
	CheckURL string `yaml:"check_url"`
	Skip     bool   `yaml:"skip"`
}

// ServerAddr retorna host:port do canal de controle do server.
func (c *ClientConfig) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LoadClientConfig lê e valida o arquivo YAML de configuração do client.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e valida a configuração. É exportado porque o
// binário monta a config a partir de flags (sem YAML) e valida ao final.
func (c *ClientConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultControlPort
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.TLS.PinFile == "" {
		c.TLS.PinFile = DefaultPinFile
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = DefaultUploadDir
	}
	if c.Uploads.RateLimit != "" {
		parsed, err := ParseByteSize(c.Uploads.RateLimit)
		if err != nil {
			return fmt.Errorf("uploads.rate_limit: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("uploads.rate_limit must be > 0, got %s", c.Uploads.RateLimit)
		}
		c.Uploads.RateLimitRaw = parsed
	}

	dscp, err := ParseDSCP(c.Network.DSCP)
	if err != nil {
		return fmt.Errorf("network.dscp: %w", err)
	}
	c.Network.DSCPValue = dscp

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.initial_delay")
	}

	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Update.CheckURL == "" {
		c.Update.CheckURL = protocol.DefaultVersionCheckURL
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256kb", "8mb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
