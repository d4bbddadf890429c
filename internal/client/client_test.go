// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/config"
	"github.com/dpipstudio/botwave/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransmitter grava as chamadas para inspeção pelos testes.
type fakeTransmitter struct {
	mu       sync.Mutex
	playing  bool
	live     bool
	path     string
	params   audio.Params
	stops    int
	startErr error
}

func (f *fakeTransmitter) Start(path string, p audio.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.playing = true
	f.path = path
	f.params = p
	return nil
}

func (f *fakeTransmitter) StartLive(src io.Reader, rate, channels int, p audio.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	f.live = true
	f.params = p
	return nil
}

func (f *fakeTransmitter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.live = false
	f.stops++
	return nil
}

func (f *fakeTransmitter) Status() audio.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return audio.Status{Playing: f.playing, LiveStreaming: f.live}
}

// recordConn é um net.Conn que acumula as escritas em memória, para os
// testes lerem as respostas sem precisar de um peer concorrente.
type recordConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *recordConn) Read(p []byte) (int, error)         { return 0, io.EOF }
func (c *recordConn) Close() error                       { return nil }
func (c *recordConn) LocalAddr() net.Addr                { return nil }
func (c *recordConn) RemoteAddr() net.Addr               { return nil }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

// frames decodifica tudo que o runtime escreveu até agora.
func (c *recordConn) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*protocol.Frame
	sc := bufio.NewScanner(bytes.NewReader(c.buf.Bytes()))
	for sc.Scan() {
		f, err := protocol.Parse(sc.Text())
		if err != nil {
			t.Fatalf("Parse(%q): %v", sc.Text(), err)
		}
		out = append(out, f)
	}
	return out
}

func (c *recordConn) lastFrame(t *testing.T) *protocol.Frame {
	t.Helper()
	fs := c.frames(t)
	if len(fs) == 0 {
		t.Fatal("no frames written")
	}
	return fs[len(fs)-1]
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeTransmitter, *recordConn) {
	t.Helper()
	cfg := &config.ClientConfig{}
	cfg.Server.Host = "server.example"
	cfg.Uploads.Dir = t.TempDir()
	tx := &fakeTransmitter{}
	r := New(cfg, tx, discardLogger())
	conn := &recordConn{}
	r.conn = conn
	return r, tx, conn
}

func writeWAV(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func command(verb string, kwargs map[string]string) *protocol.Frame {
	f := protocol.NewCommand(verb)
	for k, v := range kwargs {
		f.Kwargs[k] = v
	}
	return f
}

func TestDispatchPing(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	if err := r.dispatch(context.Background(), protocol.NewCommand(protocol.VerbPing)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := conn.lastFrame(t).Verb; got != protocol.VerbPong {
		t.Errorf("response verb = %s, want PONG", got)
	}
}

func TestDispatchUnknownVerb(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	if err := r.dispatch(context.Background(), protocol.NewCommand("BOGUS")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbError {
		t.Errorf("response verb = %s, want ERROR", f.Verb)
	}
}

func TestStartBroadcast(t *testing.T) {
	r, tx, conn := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "show.wav")

	r.handleStart(command(protocol.VerbStart, map[string]string{
		"filename": "show.wav",
		"freq":     "101.5",
		"ps":       "RadioOne",
		"rt":       "Morning Show",
		"pi":       "ABCD",
		"loop":     "true",
	}))

	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbOK {
		t.Fatalf("response = %s %v, want OK", f.Verb, f.Args)
	}
	if !tx.Status().Playing {
		t.Fatal("transmitter not playing")
	}
	if tx.params.FrequencyMHz != 101.5 || tx.params.PS != "RadioOne" || !tx.params.Loop {
		t.Errorf("params = %+v", tx.params)
	}
	if want := filepath.Join(r.cfg.Uploads.Dir, "show.wav"); tx.path != want {
		t.Errorf("path = %s, want %s", tx.path, want)
	}
	if r.currentFile != "show.wav" {
		t.Errorf("currentFile = %q", r.currentFile)
	}
}

func TestStartMissingFile(t *testing.T) {
	r, tx, conn := newTestRuntime(t)

	r.handleStart(command(protocol.VerbStart, map[string]string{"filename": "missing.wav"}))

	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbError {
		t.Fatalf("response = %s, want ERROR", f.Verb)
	}
	if tx.Status().Playing {
		t.Error("transmitter started for missing file")
	}
}

func TestStartRejectsPathTraversal(t *testing.T) {
	r, _, conn := newTestRuntime(t)

	r.handleStart(command(protocol.VerbStart, map[string]string{"filename": "../../etc/passwd"}))

	if got := conn.lastFrame(t).Verb; got != protocol.VerbError {
		t.Errorf("response = %s, want ERROR", got)
	}
}

func TestStartStopsCurrentBroadcast(t *testing.T) {
	r, tx, _ := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "a.wav")
	writeWAV(t, r.cfg.Uploads.Dir, "b.wav")

	r.handleStart(command(protocol.VerbStart, map[string]string{"filename": "a.wav"}))
	r.handleStart(command(protocol.VerbStart, map[string]string{"filename": "b.wav"}))

	if tx.stops != 1 {
		t.Errorf("stops = %d, want 1", tx.stops)
	}
	if r.currentFile != "b.wav" {
		t.Errorf("currentFile = %q, want b.wav", r.currentFile)
	}
}

func TestStartScheduledInFuture(t *testing.T) {
	r, tx, conn := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "late.wav")

	startAt := time.Now().Add(time.Hour).Unix()
	r.handleStart(command(protocol.VerbStart, map[string]string{
		"filename": "late.wav",
		"start_at": strconv.FormatInt(startAt, 10),
	}))

	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbOK || !strings.Contains(f.Arg(0), "scheduled") {
		t.Fatalf("response = %s %v, want scheduled OK", f.Verb, f.Args)
	}
	if tx.Status().Playing {
		t.Error("broadcast started before start_at")
	}
}

func TestStopNoBroadcast(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	r.handleStop()
	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbError || !strings.Contains(f.Arg(0), "No broadcast") {
		t.Errorf("response = %s %v", f.Verb, f.Args)
	}
}

func TestStopRunningBroadcast(t *testing.T) {
	r, tx, conn := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "a.wav")
	r.handleStart(command(protocol.VerbStart, map[string]string{"filename": "a.wav"}))

	r.handleStop()

	if got := conn.lastFrame(t).Verb; got != protocol.VerbOK {
		t.Errorf("response = %s, want OK", got)
	}
	if tx.Status().Playing {
		t.Error("still playing after stop")
	}
	if !r.stopRequested {
		t.Error("stopRequested not set")
	}
}

func TestDispatchKick(t *testing.T) {
	r, _, _ := newTestRuntime(t)
	err := r.dispatch(context.Background(), command(protocol.VerbKick, map[string]string{"reason": "bye"}))
	if !errors.Is(err, ErrKicked) {
		t.Errorf("dispatch = %v, want ErrKicked", err)
	}
}

func TestDispatchRestart(t *testing.T) {
	r, tx, conn := newTestRuntime(t)
	tx.playing = true

	err := r.dispatch(context.Background(), protocol.NewCommand(protocol.VerbRestart))
	if !errors.Is(err, ErrRestart) {
		t.Fatalf("dispatch = %v, want ErrRestart", err)
	}
	if tx.Status().Playing {
		t.Error("transmitter still playing after restart")
	}
	if got := conn.lastFrame(t).Verb; got != protocol.VerbOK {
		t.Errorf("response = %s, want OK", got)
	}
}

func TestListFiles(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "a.wav")
	writeWAV(t, r.cfg.Uploads.Dir, "B.WAV")
	if err := os.WriteFile(filepath.Join(r.cfg.Uploads.Dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r.handleListFiles()

	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbOK {
		t.Fatalf("response = %s, want OK", f.Verb)
	}
	var files []fileInfo
	if err := json.Unmarshal([]byte(f.Kwarg("files", "")), &files); err != nil {
		t.Fatalf("decoding files kwarg: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
	for _, fi := range files {
		if fi.Size != 8 {
			t.Errorf("%s size = %d, want 8", fi.Name, fi.Size)
		}
	}
}

func TestRemoveFile(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	path := writeWAV(t, r.cfg.Uploads.Dir, "gone.wav")

	r.handleRemoveFile(command(protocol.VerbRemoveFile, map[string]string{"filename": "gone.wav"}))

	if got := conn.lastFrame(t).Verb; got != protocol.VerbOK {
		t.Errorf("response = %s, want OK", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file not removed")
	}
}

func TestRemoveAllFiles(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "a.wav")
	writeWAV(t, r.cfg.Uploads.Dir, "b.wav")
	keep := filepath.Join(r.cfg.Uploads.Dir, "keep.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r.handleRemoveFile(command(protocol.VerbRemoveFile, map[string]string{"filename": "all"}))

	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbOK || !strings.Contains(f.Arg(0), "2") {
		t.Errorf("response = %s %v", f.Verb, f.Args)
	}
	left, err := listWAVs(r.cfg.Uploads.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("wavs left = %v", left)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-WAV file removed")
	}
}

func TestRemoveMissingFile(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	r.handleRemoveFile(command(protocol.VerbRemoveFile, map[string]string{"filename": "nope.wav"}))
	if got := conn.lastFrame(t).Verb; got != protocol.VerbError {
		t.Errorf("response = %s, want ERROR", got)
	}
}

func TestPollPlaybackReportsNaturalEnd(t *testing.T) {
	r, tx, conn := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "a.wav")
	r.handleStart(command(protocol.VerbStart, map[string]string{"filename": "a.wav"}))

	// Fim natural: o backend parou sem pedido de stop.
	tx.mu.Lock()
	tx.playing = false
	tx.mu.Unlock()
	r.pollPlayback()

	f := conn.lastFrame(t)
	if f.Verb != protocol.VerbOK {
		t.Fatalf("response = %s, want OK", f.Verb)
	}
	if got := f.Kwarg("event", ""); got != protocol.EventBroadcastEnded {
		t.Errorf("event = %q, want broadcast_ended", got)
	}
	if got := f.Kwarg("filename", ""); got != "a.wav" {
		t.Errorf("filename = %q, want a.wav", got)
	}
	if r.currentFile != "" {
		t.Errorf("currentFile = %q, want empty", r.currentFile)
	}
}

func TestPollPlaybackIgnoresRequestedStop(t *testing.T) {
	r, tx, conn := newTestRuntime(t)
	writeWAV(t, r.cfg.Uploads.Dir, "a.wav")
	r.handleStart(command(protocol.VerbStart, map[string]string{"filename": "a.wav"}))
	before := len(conn.frames(t))

	r.handleStop()
	tx.mu.Lock()
	tx.playing = false
	tx.mu.Unlock()
	r.pollPlayback()

	for _, f := range conn.frames(t)[before:] {
		if f.Kwarg("event", "") == protocol.EventBroadcastEnded {
			t.Error("broadcast_ended emitted for a requested stop")
		}
	}
}

func TestPollPlaybackIdle(t *testing.T) {
	r, _, conn := newTestRuntime(t)
	r.pollPlayback()
	if got := len(conn.frames(t)); got != 0 {
		t.Errorf("frames = %d, want 0", got)
	}
}

func TestBroadcastParams(t *testing.T) {
	tests := []struct {
		name   string
		kwargs map[string]string
		want   audio.Params
	}{
		{
			name:   "defaults",
			kwargs: map[string]string{},
			want:   audio.Params{FrequencyMHz: 90.0, PS: "BotWave", RT: "Broadcasting", PI: "FFFF"},
		},
		{
			name: "explicit",
			kwargs: map[string]string{
				"freq": "107.9", "ps": "Radio", "rt": "Live", "pi": "1234", "loop": "true",
			},
			want: audio.Params{FrequencyMHz: 107.9, PS: "Radio", RT: "Live", PI: "1234", Loop: true},
		},
		{
			name:   "bad freq falls back",
			kwargs: map[string]string{"freq": "loud"},
			want:   audio.Params{FrequencyMHz: 90.0, PS: "BotWave", RT: "Broadcasting", PI: "FFFF"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := broadcastParams(command(protocol.VerbStart, tt.kwargs))
			if got != tt.want {
				t.Errorf("broadcastParams() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMachineInfo(t *testing.T) {
	info := machineInfo()
	for _, key := range []string{"hostname", "machine", "system", "release"} {
		if info[key] == "" {
			t.Errorf("machineInfo()[%q] is empty", key)
		}
	}
}

func TestEnqueueFullQueueDrops(t *testing.T) {
	r, _, _ := newTestRuntime(t)
	for i := 0; i < cap(r.actions); i++ {
		r.enqueue(func() {})
	}
	// Não deve bloquear.
	done := make(chan struct{})
	go func() {
		r.enqueue(func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on full queue")
	}
}
