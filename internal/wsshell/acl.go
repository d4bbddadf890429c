// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wsshell provê a porta de comando secundária do BotWave: um
// WebSocket autenticado que injeta linhas de texto no mesmo dispatcher
// do console interativo e recebe os logs do processo em fan-out.
package wsshell

import (
	"net"
	"net/http"
)

// ACL controla acesso à porta de shell remoto por IP/CIDR.
// Deny-by-default quando há CIDRs configurados; lista vazia libera tudo
// (a autenticação por passkey continua valendo).
type ACL struct {
	nets []*net.IPNet
}

// NewACL cria uma ACL a partir de CIDRs já parseados
// (config.RemoteShellConfig.ParsedCIDRs).
func NewACL(cidrs []*net.IPNet) *ACL {
	return &ACL{nets: cidrs}
}

// Middleware retorna um http.Handler que verifica o IP remoto contra a
// ACL antes do upgrade WebSocket.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed verifica se o endereço remoto (host:port) é permitido.
func (a *ACL) Allowed(remoteAddr string) bool {
	if len(a.nets) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, cidr := range a.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
