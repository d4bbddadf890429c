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

	"github.com/dpipstudio/botwave/internal/protocol"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Caminhos e portas padrão da instalação BotWave.
const (
	DefaultControlPort = 9938
	DefaultFilePort    = 9921

	DefaultUploadDir   = "/opt/BotWave/uploads"
	DefaultHandlersDir = "/opt/BotWave/handlers"
	DefaultTLSCert     = "/opt/BotWave/certs/server.crt"
	DefaultTLSKey      = "/opt/BotWave/certs/server.key"
	DefaultPinFile     = "/opt/BotWave/server.pin"
)

// ServerConfig representa a configuração completa do botwave-server.
// Todo campo tem default utilizável: um arquivo vazio (ou nenhum arquivo,
// apenas flags) produz um server funcional.
type ServerConfig struct {
	Server      ServerListen      `yaml:"server"`
	TLS         TLSServer         `yaml:"tls"`
	Uploads     UploadsInfo       `yaml:"uploads"`
	Handlers    HandlersInfo      `yaml:"handlers"`
	RemoteShell RemoteShellConfig `yaml:"remote_shell"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Programs    []ProgramEntry    `yaml:"programs"`
	Logging     LoggingInfo       `yaml:"logging"`
	Update      UpdateInfo        `yaml:"update"`
}

// ServerListen contém endereços de escuta e política de broadcast do server.
type ServerListen struct {
	Host      string `yaml:"host"`       // default: "0.0.0.0"
	Port      int    `yaml:"port"`       // canal de controle (default: 9938)
	FilePort  int    `yaml:"file_port"`  // transferências HTTPS (default: 9921)
	Passkey   string `yaml:"passkey"`    // vazio = autenticação desabilitada
	StartASAP bool   `yaml:"start_asap"` // true = START imediato, sem slots de sincronização
}

// WaitStart informa se broadcasts para múltiplos alvos devem receber um
// start_at futuro (um slot de 20s por alvo) para partirem em uníssono.
func (s ServerListen) WaitStart() bool {
	return !s.StartASAP
}

// TLSServer contém os caminhos do certificado autoassinado do server.
type TLSServer struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// UploadsInfo contém o diretório da biblioteca de WAVs e o throttle de
// transferência. No server o limite se aplica aos downloads servidos; no
// client, ao POST de upload do sync.
type UploadsInfo struct {
	Dir          string `yaml:"dir"`
	RateLimit    string `yaml:"rate_limit"` // ex: "8mb" por segundo; vazio = sem limite
	RateLimitRaw int64  `yaml:"-"`
}

// HandlersInfo contém o diretório de handler scripts (.hdl/.shdl).
type HandlersInfo struct {
	Dir string `yaml:"dir"`
}

// RemoteShellConfig configura o listener WebSocket do shell remoto.
// A porta não tem default: o shell remoto só existe quando configurado
// explicitamente.
type RemoteShellConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Port         int      `yaml:"port"`
	AllowOrigins []string `yaml:"allow_origins"` // IP ou CIDR; vazio = qualquer origem (gate é o passkey)

	// Parsed é preenchido em Validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// ArchiveConfig configura o arquivamento da biblioteca em um bucket S3
// (ou compatível, via endpoint).
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // vazio = AWS; URL para S3-compatível (MinIO etc.)
	Region    string `yaml:"region"`   // default: "us-east-1"
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"` // default: "botwave/"
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"` // vazios = credential chain padrão do SDK
}

// ProgramEntry agenda uma linha de console do server em uma cron expression
// de 5 campos (ex: "0 8 * * *" → "start all morning.wav 90.5").
type ProgramEntry struct {
	Schedule string `yaml:"schedule"`
	Command  string `yaml:"command"`
}

// ControlAddr retorna host:port do canal de controle.
func (c *ServerConfig) ControlAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// FileAddr retorna host:port do serviço de transferência de arquivos.
func (c *ServerConfig) FileAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.FilePort))
}

// RemoteShellAddr retorna host:port do shell remoto WebSocket.
func (c *ServerConfig) RemoteShellAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.RemoteShell.Port))
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Validate aplica defaults e valida a configuração. É exportado porque os
// binários montam a config a partir de flags (sem YAML) e validam ao final.
func (c *ServerConfig) Validate() error {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultControlPort
	}
	if c.Server.FilePort == 0 {
		c.Server.FilePort = DefaultFilePort
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.FilePort < 1 || c.Server.FilePort > 65535 {
		return fmt.Errorf("server.file_port must be between 1 and 65535, got %d", c.Server.FilePort)
	}
	if c.Server.Port == c.Server.FilePort {
		return fmt.Errorf("server.port and server.file_port must differ, got %d for both", c.Server.Port)
	}

	if c.TLS.Cert == "" {
		c.TLS.Cert = DefaultTLSCert
	}
	if c.TLS.Key == "" {
		c.TLS.Key = DefaultTLSKey
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = DefaultUploadDir
	}
	if c.Handlers.Dir == "" {
		c.Handlers.Dir = DefaultHandlersDir
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

	if c.RemoteShell.Enabled {
		if c.RemoteShell.Port == 0 {
			return fmt.Errorf("remote_shell.port is required when remote_shell is enabled")
		}
		if c.RemoteShell.Port < 1 || c.RemoteShell.Port > 65535 {
			return fmt.Errorf("remote_shell.port must be between 1 and 65535, got %d", c.RemoteShell.Port)
		}
		if c.RemoteShell.Port == c.Server.Port || c.RemoteShell.Port == c.Server.FilePort {
			return fmt.Errorf("remote_shell.port conflicts with another listener, got %d", c.RemoteShell.Port)
		}
		for _, origin := range c.RemoteShell.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("remote_shell.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.RemoteShell.ParsedCIDRs = append(c.RemoteShell.ParsedCIDRs, cidr)
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if c.Archive.Region == "" {
			c.Archive.Region = "us-east-1"
		}
		if c.Archive.Prefix == "" {
			c.Archive.Prefix = "botwave/"
		}
		if (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
			return fmt.Errorf("archive.access_key and archive.secret_key must be set together")
		}
	}

	for i, p := range c.Programs {
		if strings.TrimSpace(p.Schedule) == "" {
			return fmt.Errorf("programs[%d].schedule is required", i)
		}
		if _, err := cron.ParseStandard(p.Schedule); err != nil {
			return fmt.Errorf("programs[%d].schedule: %w", i, err)
		}
		if strings.TrimSpace(p.Command) == "" {
			return fmt.Errorf("programs[%d].command is required", i)
		}
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
