// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transfer implementa o subsistema de transferência de arquivos
// out-of-band do BotWave: tokens single-use com TTL, o serviço HTTP de
// upload/download/streaming no server e os helpers HTTP do client.
// Transferências em massa ficam fora do canal de controle sensível a
// latência.
package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
)

// DefaultTokenTTL é a validade de um token após a criação.
const DefaultTokenTTL = 300 * time.Second

// sweepInterval é o período do garbage collection de tokens expirados.
const sweepInterval = 300 * time.Second

var (
	// ErrTokenNotFound indica token inexistente ou já consumido.
	ErrTokenNotFound = errors.New("invalid or consumed token")

	// ErrTokenExpired indica token conhecido porém vencido. O token é
	// consumido na detecção: retries exigem um token novo pelo canal de
	// controle.
	ErrTokenExpired = errors.New("token expired")
)

// TokenKind distingue os três usos de um token.
type TokenKind int

const (
	KindUpload TokenKind = iota
	KindDownload
	KindStream
)

func (k TokenKind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Token autoriza exatamente uma requisição no serviço de arquivos.
type Token struct {
	ID      string
	Kind    TokenKind
	Expires time.Time

	// KindUpload: nome do arquivo destino e tamanho esperado (0 = sem
	// validação de tamanho). Dir sobrepõe o upload root do serviço
	// quando não vazio (redirect temporário do sync engine).
	Filename string
	Size     int64
	Dir      string

	// KindDownload: path absoluto do arquivo a servir.
	Filepath string

	// KindStream: gerador PCM e seus parâmetros.
	Source   audio.PCMSource
	Rate     int
	Channels int
}

// TokenStore é o dono exclusivo dos TransferTokens. Criação, consumo e
// sweep são serializados pelo mutex.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenStore cria um TokenStore. ttl <= 0 usa DefaultTokenTTL.
func NewTokenStore(ttl time.Duration, logger *slog.Logger) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		tokens: make(map[string]*Token),
		ttl:    ttl,
		logger: logger.With("component", "token_store"),
	}
}

// newTokenID gera 128 bits aleatórios em 32 hex chars.
func newTokenID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand não falha em sistemas suportados; se falhar,
		// nada seguro pode ser emitido.
		panic("transfer: reading random token: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// MintUpload cria um token de upload para filename com tamanho esperado.
// dir não vazio redireciona a escrita para fora do upload root (sync).
func (ts *TokenStore) MintUpload(filename string, size int64, dir string) *Token {
	return ts.put(&Token{
		Kind:     KindUpload,
		Filename: filename,
		Size:     size,
		Dir:      dir,
	})
}

// MintDownload cria um token de download para o path absoluto dado.
func (ts *TokenStore) MintDownload(filepath string) *Token {
	return ts.put(&Token{
		Kind:     KindDownload,
		Filepath: filepath,
	})
}

// MintStream cria um token de streaming para a fonte PCM dada.
func (ts *TokenStore) MintStream(src audio.PCMSource, rate, channels int) *Token {
	return ts.put(&Token{
		Kind:     KindStream,
		Source:   src,
		Rate:     rate,
		Channels: channels,
	})
}

func (ts *TokenStore) put(t *Token) *Token {
	t.ID = newTokenID()
	t.Expires = time.Now().Add(ts.ttl)

	ts.mu.Lock()
	ts.tokens[t.ID] = t
	ts.mu.Unlock()

	ts.logger.Debug("token minted", "kind", t.Kind.String(), "expires", t.Expires)
	return t
}

// Take consome o token: válido para exatamente uma requisição. Retorna
// ErrTokenNotFound para id desconhecido (ou já consumido, ou de kind
// diferente) e ErrTokenExpired para token vencido.
func (ts *TokenStore) Take(id string, kind TokenKind) (*Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.tokens[id]
	if !ok || t.Kind != kind {
		return nil, ErrTokenNotFound
	}
	delete(ts.tokens, id)

	if time.Now().After(t.Expires) {
		return nil, ErrTokenExpired
	}
	return t, nil
}

// Len retorna o número de tokens pendentes.
func (ts *TokenStore) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tokens)
}

// Sweep remove tokens expirados. Retorna quantos foram coletados.
func (ts *TokenStore) Sweep() int {
	now := time.Now()

	ts.mu.Lock()
	var swept int
	for id, t := range ts.tokens {
		if now.After(t.Expires) {
			if t.Source != nil {
				t.Source.Close()
			}
			delete(ts.tokens, id)
			swept++
		}
	}
	ts.mu.Unlock()

	if swept > 0 {
		ts.logger.Debug("expired tokens swept", "count", swept)
	}
	return swept
}

// StartSweeper roda o sweep periódico até stopCh fechar.
func (ts *TokenStore) StartSweeper(stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				ts.Sweep()
			}
		}
	}()
}
