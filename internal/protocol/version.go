// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"strconv"
	"strings"
)

// Version é a versão do protocolo/produto. Sobrescrita via ldflags no build
// (-X .../protocol.Version=x.y.z).
var Version = "2.0.1"

// DefaultVersionCheckURL responde a versão estável mais recente em texto puro.
const DefaultVersionCheckURL = "https://botwave.dpip.lol/api/latestpro/"

// ParseVersion converte "x.y.z" em componentes numéricos. Componentes
// ausentes viram 0; qualquer componente inválido invalida a versão inteira
// (0,0,0), que nunca é compatível com uma versão real.
func ParseVersion(s string) (major, minor, patch int) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0
		}
		if i < len(nums) {
			nums[i] = n
		}
	}
	return nums[0], nums[1], nums[2]
}

// Compatible informa se duas versões podem conversar: os dois primeiros
// componentes (major.minor) devem ser iguais.
func Compatible(a, b string) bool {
	aMaj, aMin, _ := ParseVersion(a)
	bMaj, bMin, _ := ParseVersion(b)
	return aMaj == bMaj && aMin == bMin
}
