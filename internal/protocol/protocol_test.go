// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestParse_Basic(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Frame
	}{
		{
			name: "verb only",
			line: "PING",
			want: Frame{Verb: "PING", Kwargs: map[string]string{}},
		},
		{
			name: "verb lowercased on input",
			line: "ping",
			want: Frame{Verb: "PING", Kwargs: map[string]string{}},
		},
		{
			name: "positional args",
			line: "AUTH secret123",
			want: Frame{Verb: "AUTH", Args: []string{"secret123"}, Kwargs: map[string]string{}},
		},
		{
			name: "kwargs",
			line: "REGISTER hostname=pi1 machine=armv7l system=Linux release=6.1",
			want: Frame{Verb: "REGISTER", Kwargs: map[string]string{
				"hostname": "pi1", "machine": "armv7l", "system": "Linux", "release": "6.1",
			}},
		},
		{
			name: "mixed args and kwargs",
			line: "START file.wav freq=90.0 ps='My Radio'",
			want: Frame{Verb: "START", Args: []string{"file.wav"}, Kwargs: map[string]string{
				"freq": "90.0", "ps": "My Radio",
			}},
		},
		{
			name: "kwarg value keeps later equals",
			line: "OK files=a=b",
			want: Frame{Verb: "OK", Kwargs: map[string]string{"files": "a=b"}},
		},
		{
			name: "quoted equals stays positional",
			line: "AUTH 'se=cret'",
			want: Frame{Verb: "AUTH", Args: []string{"se=cret"}, Kwargs: map[string]string{}},
		},
		{
			name: "quoted empty arg survives",
			line: "AUTH ''",
			want: Frame{Verb: "AUTH", Args: []string{""}, Kwargs: map[string]string{}},
		},
		{
			name: "kwarg with quoted equals in value",
			line: "START rt='a=b'",
			want: Frame{Verb: "START", Kwargs: map[string]string{"rt": "a=b"}},
		},
		{
			name: "surrounding whitespace ignored",
			line: "  PONG  ",
			want: Frame{Verb: "PONG", Kwargs: map[string]string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Verb != tt.want.Verb {
				t.Errorf("verb: expected %q, got %q", tt.want.Verb, got.Verb)
			}
			if !reflect.DeepEqual(got.Args, tt.want.Args) {
				t.Errorf("args: expected %v, got %v", tt.want.Args, got.Args)
			}
			if !reflect.DeepEqual(got.Kwargs, tt.want.Kwargs) {
				t.Errorf("kwargs: expected %v, got %v", tt.want.Kwargs, got.Kwargs)
			}
		})
	}
}

func TestParse_Quoting(t *testing.T) {
	tests := []struct {
		name string
		line string
		args []string
		kw   map[string]string
	}{
		{
			name: "single quotes group spaces",
			line: "START 'my song.wav'",
			args: []string{"my song.wav"},
			kw:   map[string]string{},
		},
		{
			name: "double quotes group spaces",
			line: `START "my song.wav"`,
			args: []string{"my song.wav"},
			kw:   map[string]string{},
		},
		{
			name: "backslash escape inside double quotes",
			line: `OK message="she said \"hi\""`,
			args: nil,
			kw:   map[string]string{"message": `she said "hi"`},
		},
		{
			name: "backslash escape outside quotes",
			line: `START my\ song.wav`,
			args: []string{"my song.wav"},
			kw:   map[string]string{},
		},
		{
			name: "adjacent quoted segments concatenate",
			line: `START 'a'"b"c`,
			args: []string{"abc"},
			kw:   map[string]string{},
		},
		{
			name: "shell-style embedded single quote",
			line: `OK message='it'"'"'s here'`,
			args: nil,
			kw:   map[string]string{"message": "it's here"},
		},
		{
			name: "empty quoted token survives",
			line: "START ''",
			args: []string{""},
			kw:   map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got.Args, tt.args) {
				t.Errorf("args: expected %#v, got %#v", tt.args, got.Args)
			}
			if !reflect.DeepEqual(got.Kwargs, tt.kw) {
				t.Errorf("kwargs: expected %#v, got %#v", tt.kw, got.Kwargs)
			}
		})
	}
}

func TestParse_InvalidSyntax(t *testing.T) {
	lines := []string{
		"START 'unterminated",
		`START "unterminated`,
		`START trailing\`,
		`OK message="dangling escape \`,
	}

	for _, line := range lines {
		if _, err := Parse(line); !errors.Is(err, ErrInvalidSyntax) {
			t.Errorf("Parse(%q): expected ErrInvalidSyntax, got %v", line, err)
		}
	}
}

func TestParse_Empty(t *testing.T) {
	for _, line := range []string{"", "   ", "\t"} {
		if _, err := Parse(line); !errors.Is(err, ErrEmptyFrame) {
			t.Errorf("Parse(%q): expected ErrEmptyFrame, got %v", line, err)
		}
	}
}

func TestBuild_Quoting(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			name:  "plain tokens unquoted",
			frame: Frame{Verb: "START", Args: []string{"file.wav"}, Kwargs: map[string]string{"freq": "90.0"}},
			want:  "START file.wav freq=90.0",
		},
		{
			name:  "value with space quoted",
			frame: Frame{Verb: "START", Kwargs: map[string]string{"ps": "My Radio"}},
			want:  "START ps='My Radio'",
		},
		{
			name:  "kwargs sorted for determinism",
			frame: Frame{Verb: "OK", Kwargs: map[string]string{"b": "2", "a": "1"}},
			want:  "OK a=1 b=2",
		},
		{
			name:  "verb upcased on output",
			frame: Frame{Verb: "pong"},
			want:  "PONG",
		},
		{
			name:  "arg with equals quoted",
			frame: Frame{Verb: "AUTH", Args: []string{"se=cret"}},
			want:  "AUTH 'se=cret'",
		},
		{
			name:  "empty arg quoted",
			frame: Frame{Verb: "AUTH", Args: []string{""}},
			want:  "AUTH ''",
		},
		{
			name:  "backslash quoted",
			frame: Frame{Verb: "START", Args: []string{`dir\file.wav`}},
			want:  `START 'dir\file.wav'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Build(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// TestRoundTrip verifica parse(build(C)) = C para frames representativos de
// todos os verbos canônicos.
func TestRoundTrip(t *testing.T) {
	frames := []*Frame{
		NewCommand(VerbPing),
		NewCommand(VerbPong),
		NewCommand(VerbAuth, "secret"),
		NewCommand(VerbAuth, "se=cret"),
		NewCommand(VerbAuth, ""),
		NewCommand(VerbAuth, `pa\ss`),
		NewCommand(VerbVer, "2.0.1"),
		{Verb: VerbRegister, Kwargs: map[string]string{
			"hostname": "pi1", "machine": "armv7l", "system": "Linux", "release": "6.1",
		}},
		{Verb: VerbRegisterOK, Kwargs: map[string]string{
			"client_id": "pi1_10.0.0.5", "server_version": "2.0.1",
		}},
		{Verb: VerbStart, Kwargs: map[string]string{
			"filename": "song with space.wav", "freq": "90.0", "ps": "Rádio BW",
			"rt": "now playing: it's live", "pi": "ABCD", "loop": "false", "start_at": "1735689600.5",
		}},
		NewCommand(VerbStop),
		{Verb: VerbUploadToken, Kwargs: map[string]string{
			"token": "deadbeef", "url": "https://10.0.0.1:9921/upload/deadbeef", "filename": "x.wav",
		}},
		{Verb: VerbDownloadToken, Kwargs: map[string]string{"token": "cafe", "filename": "y.wav"}},
		{Verb: VerbDownloadURL, Kwargs: map[string]string{"url": "https://h:1/d/t", "filename": "z.wav"}},
		{Verb: VerbStreamToken, Kwargs: map[string]string{"token": "beef", "rate": "48000", "channels": "2"}},
		{Verb: VerbKick, Kwargs: map[string]string{"reason": "shutting down"}},
		NewCommand(VerbListFiles),
		{Verb: VerbRemoveFile, Kwargs: map[string]string{"filename": "all"}},
		NewOK("done"),
		NewError(`quote "inside" message`),
		{Verb: VerbOK, Kwargs: map[string]string{"files": `[{"name":"a.wav","size":42}]`}},
		{Verb: VerbOK, Kwargs: map[string]string{"event": EventBroadcastEnded, "filename": "a.wav"}},
		{Verb: VerbAuthFailed, Kwargs: map[string]string{"message": "Invalid passkey"}},
		{Verb: VerbVersionMismatch, Kwargs: map[string]string{
			"server_version": "2.0.1", "client_version": "1.9.0",
		}},
	}

	for _, f := range frames {
		t.Run(f.Verb, func(t *testing.T) {
			line := f.Build()
			got, err := Parse(line)
			if err != nil {
				t.Fatalf("Parse(%q): %v", line, err)
			}
			if got.Verb != strings.ToUpper(f.Verb) {
				t.Errorf("verb: expected %q, got %q", f.Verb, got.Verb)
			}
			if len(got.Args) != len(f.Args) {
				t.Fatalf("args: expected %v, got %v", f.Args, got.Args)
			}
			for i := range f.Args {
				if got.Args[i] != f.Args[i] {
					t.Errorf("arg %d: expected %q, got %q", i, f.Args[i], got.Args[i])
				}
			}
			if len(got.Kwargs) != len(f.Kwargs) {
				t.Fatalf("kwargs: expected %v, got %v", f.Kwargs, got.Kwargs)
			}
			for k, v := range f.Kwargs {
				if got.Kwargs[k] != v {
					t.Errorf("kwarg %s: expected %q, got %q", k, v, got.Kwargs[k])
				}
			}
		})
	}
}

// TestNormalize verifica build(parse(S)) para entradas com quoting variado.
func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`start file.wav freq=90.0`, `START file.wav freq=90.0`},
		{`START "my song.wav"`, `START 'my song.wav'`},
		{`OK message="hi there"`, `OK message='hi there'`},
	}

	for _, tt := range tests {
		f, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if got := f.Build(); got != tt.want {
			t.Errorf("normalize(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestFrameReader(t *testing.T) {
	input := "PING\nSTART file.wav freq=90.0\n"
	fr := NewFrameReader(strings.NewReader(input))

	f1, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if f1.Verb != VerbPing {
		t.Errorf("expected PING, got %s", f1.Verb)
	}

	f2, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if f2.Verb != VerbStart || f2.Kwargs["freq"] != "90.0" {
		t.Errorf("unexpected second frame: %+v", f2)
	}

	if _, err := fr.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF at end, got %v", err)
	}
}

func TestFrameReader_EmptyLine(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("\nPONG\n"))

	if _, err := fr.ReadFrame(); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("frame after empty line: %v", err)
	}
	if f.Verb != VerbPong {
		t.Errorf("expected PONG, got %s", f.Verb)
	}
}

func TestFrameReader_CRLF(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("PING\r\n"))
	f, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Verb != VerbPing {
		t.Errorf("expected PING, got %s", f.Verb)
	}
}

func TestReadLineLimited_ExactlyAtLimit(t *testing.T) {
	line := strings.Repeat("x", maxLineLength) + "\n"
	fr := NewFrameReader(strings.NewReader(line))

	got, err := readLineLimited(fr.br, maxLineLength)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != maxLineLength {
		t.Errorf("expected length %d, got %d", maxLineLength, len(got))
	}
}

func TestReadLineLimited_ExceedsLimit(t *testing.T) {
	line := strings.Repeat("x", maxLineLength+10) + "\n"
	fr := NewFrameReader(strings.NewReader(line))

	_, err := readLineLimited(fr.br, maxLineLength)
	if !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got: %v", err)
	}
}

func TestReadLineLimited_TruncatedEOF(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("incomplete"))

	_, err := readLineLimited(fr.br, maxLineLength)
	if err == nil {
		t.Fatal("expected error for truncated input")
	}
	if errors.Is(err, ErrLineTooLong) {
		t.Fatal("expected EOF-like error, not ErrLineTooLong")
	}
}

func TestWriteFrame(t *testing.T) {
	var sb strings.Builder
	if err := WriteFrame(&sb, NewOK("done")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.String() != "OK message=done\n" {
		t.Errorf("unexpected output: %q", sb.String())
	}
}

func TestFrameHelpers(t *testing.T) {
	f := &Frame{Verb: VerbStart, Args: []string{"a"}, Kwargs: map[string]string{"k": "v"}}

	if got := f.Arg(0); got != "a" {
		t.Errorf("Arg(0): expected a, got %q", got)
	}
	if got := f.Arg(1); got != "" {
		t.Errorf("Arg(1): expected empty, got %q", got)
	}
	if got := f.Kwarg("k", "d"); got != "v" {
		t.Errorf("Kwarg(k): expected v, got %q", got)
	}
	if got := f.Kwarg("missing", "d"); got != "d" {
		t.Errorf("Kwarg(missing): expected default, got %q", got)
	}
}
