// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de controle BotWave: frames de texto
// UTF-8 terminados por newline, no formato
//
//	VERB arg1 'arg com espaço' key=value key2='valor com espaço'
//
// Verbos são case-insensitive na entrada e sempre maiúsculos na saída.
// Tokens com '=' são keyword arguments; os demais são posicionais. Aspas
// simples ou duplas agrupam tokens contendo espaços; backslash escapa dentro
// de aspas duplas e fora de aspas.
package protocol

import (
	"errors"
	"sort"
	"strings"
)

// maxLineLength limita o tamanho de um frame para proteger o reader de
// linhas sem delimitador.
const maxLineLength = 64 * 1024

var (
	// ErrInvalidSyntax indica aspas desbalanceadas ou escape truncado.
	// O peer responde `ERROR message='…'` e mantém a conexão aberta.
	ErrInvalidSyntax = errors.New("invalid command syntax")

	// ErrEmptyFrame indica uma linha vazia ou só com whitespace.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrLineTooLong indica um frame acima de maxLineLength sem newline.
	ErrLineTooLong = errors.New("frame line too long")
)

// Frame é um comando ou resposta decodificado do canal de controle.
type Frame struct {
	Verb   string
	Args   []string
	Kwargs map[string]string
}

// Parse decodifica uma linha (sem o '\n' final) em um Frame.
// Retorna ErrEmptyFrame para linhas vazias e ErrInvalidSyntax para
// aspas desbalanceadas.
func Parse(line string) (*Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmptyFrame
	}

	tokens, err := lexTokens(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyFrame
	}

	f := &Frame{
		Verb:   strings.ToUpper(tokens[0].text),
		Kwargs: make(map[string]string),
	}

	// Só um '=' fora de aspas separa kwarg de valor: 'se=cret' entre
	// aspas continua sendo argumento posicional.
	for _, tok := range tokens[1:] {
		if tok.eq >= 0 {
			f.Kwargs[tok.text[:tok.eq]] = tok.text[tok.eq+1:]
		} else {
			f.Args = append(f.Args, tok.text)
		}
	}

	return f, nil
}

// Build codifica o Frame em uma linha de protocolo (sem o '\n' final).
// Kwargs são emitidos em ordem alfabética para saída determinística.
func (f *Frame) Build() string {
	parts := []string{strings.ToUpper(f.Verb)}

	for _, arg := range f.Args {
		parts = append(parts, quoteToken(arg))
	}

	keys := make([]string, 0, len(f.Kwargs))
	for k := range f.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+quoteToken(f.Kwargs[k]))
	}

	return strings.Join(parts, " ")
}

// Kwarg retorna o valor do keyword argument ou def quando ausente.
func (f *Frame) Kwarg(key, def string) string {
	if v, ok := f.Kwargs[key]; ok {
		return v
	}
	return def
}

// Arg retorna o argumento posicional i ou "" quando fora do range.
func (f *Frame) Arg(i int) string {
	if i < 0 || i >= len(f.Args) {
		return ""
	}
	return f.Args[i]
}

// Split expõe o tokenizer do protocolo para os dispatchers de console:
// a mesma regra de quoting dos frames vale para linhas de comando
// interativas, handlers e shell remoto.
func Split(line string) ([]string, error) {
	tokens, err := lexTokens(line)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.text
	}
	return out, nil
}

// token é um token lexado. eq guarda o índice do primeiro '=' que apareceu
// fora de aspas e sem escape (-1 quando não há): o parse de kwargs precisa
// distinguir rt='a=b' de um posicional 'se=cret'.
type token struct {
	text string
	eq   int
}

// lexTokens separa a linha em tokens no estilo shell POSIX: whitespace
// separa tokens; aspas simples agrupam literalmente; aspas duplas agrupam
// com escapes de backslash; backslash fora de aspas escapa o próximo rune.
// Segmentos adjacentes (quoted e bare) concatenam no mesmo token.
func lexTokens(line string) ([]token, error) {
	var tokens []token
	var cur strings.Builder
	curEq := -1
	inToken := false

	flush := func() {
		tokens = append(tokens, token{text: cur.String(), eq: curEq})
		cur.Reset()
		curEq = -1
		inToken = false
	}

	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			if inToken {
				flush()
			}
			i++

		case c == '\'':
			inToken = true
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, ErrInvalidSyntax
			}
			cur.WriteString(line[i+1 : i+1+end])
			i += end + 2

		case c == '"':
			inToken = true
			i++
			closed := false
			for i < len(line) {
				if line[i] == '\\' {
					if i+1 >= len(line) {
						return nil, ErrInvalidSyntax
					}
					cur.WriteByte(line[i+1])
					i += 2
					continue
				}
				if line[i] == '"' {
					closed = true
					i++
					break
				}
				cur.WriteByte(line[i])
				i++
			}
			if !closed {
				return nil, ErrInvalidSyntax
			}

		case c == '\\':
			if i+1 >= len(line) {
				return nil, ErrInvalidSyntax
			}
			inToken = true
			cur.WriteByte(line[i+1])
			i += 2

		default:
			inToken = true
			if c == '=' && curEq < 0 {
				curEq = cur.Len()
			}
			cur.WriteByte(c)
			i++
		}
	}

	if inToken {
		flush()
	}

	return tokens, nil
}

// quoteToken envolve o valor em aspas simples quando vazio ou quando
// contém espaço, aspas, '=' ou backslash, escapando aspas simples
// embutidas no estilo shell ('"'"'). Quotar o '=' preserva argumentos
// posicionais que o contêm no round-trip build → parse.
func quoteToken(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t'\"=\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
