// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pki fornece a configuração TLS dos dois lados do canal de
// controle BotWave: o server carrega seu certificado autoassinado, e o
// client confia no primeiro uso (TOFU) via pinning do fingerprint SHA-256.
package pki

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NewServerTLSConfig carrega o certificado autoassinado do server.
// TLS 1.2 é o mínimo: a frota roda em single-board computers com
// stacks variados; 1.3-only deixaria clients antigos de fora.
func NewServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// NewClientTLSConfig cria a configuração TLS do client com TOFU pinning.
// A validação de cadeia é desabilitada (o certificado do server é
// autoassinado); em vez disso, VerifyPeerCertificate confere o fingerprint
// SHA-256 do certificado apresentado contra o pin gravado em pinFile.
// Na primeira conexão (pinFile ausente) o fingerprint é gravado.
func NewClientTLSConfig(pinFile string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			return VerifyPin(pinFile, rawCerts[0])
		},
	}
}

// Fingerprint retorna o SHA-256 do certificado DER em hex minúsculo.
func Fingerprint(rawCert []byte) string {
	sum := sha256.Sum256(rawCert)
	return hex.EncodeToString(sum[:])
}

// VerifyPin confere o certificado contra o pin gravado. Se o arquivo de pin
// não existe, grava o fingerprint atual (trust on first use) e aceita.
func VerifyPin(pinFile string, rawCert []byte) error {
	got := Fingerprint(rawCert)

	data, err := os.ReadFile(pinFile)
	if os.IsNotExist(err) {
		if err := writePin(pinFile, got); err != nil {
			return fmt.Errorf("storing certificate pin: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading certificate pin: %w", err)
	}

	want := strings.TrimSpace(string(data))
	if want != got {
		return fmt.Errorf("server certificate changed: pinned %s, got %s (remove %s to re-pin)", want, got, pinFile)
	}
	return nil
}

func writePin(pinFile, fingerprint string) error {
	if dir := filepath.Dir(pinFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(pinFile, []byte(fingerprint+"\n"), 0600)
}
