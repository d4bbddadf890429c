// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package local

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dpipstudio/botwave/internal/audio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransmitter struct {
	mu      sync.Mutex
	playing bool
	path    string
	params  audio.Params
	stops   int
}

func (f *fakeTransmitter) Start(path string, p audio.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	f.path = path
	f.params = p
	return nil
}

func (f *fakeTransmitter) StartLive(src io.Reader, rate, channels int, p audio.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	return nil
}

func (f *fakeTransmitter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.stops++
	return nil
}

func (f *fakeTransmitter) Status() audio.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return audio.Status{Playing: f.playing}
}

func newTestConsole(t *testing.T) (*Console, *fakeTransmitter) {
	t.Helper()
	tx := &fakeTransmitter{}
	c := New(t.TempDir(), t.TempDir(), tx, discardLogger())
	return c, tx
}

func writeWAV(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("RIFFdata"), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestStartCommand(t *testing.T) {
	c, tx := newTestConsole(t)
	writeWAV(t, c.dir, "show.wav")

	if !c.Execute(`start show.wav 101.5 RadioOne "Morning Show" ABCD true`) {
		t.Fatal("Execute returned false")
	}

	if !tx.Status().Playing {
		t.Fatal("transmitter not playing")
	}
	want := audio.Params{FrequencyMHz: 101.5, PS: "RadioOne", RT: "Morning Show", PI: "ABCD", Loop: true}
	if tx.params != want {
		t.Errorf("params = %+v, want %+v", tx.params, want)
	}
	if c.currentFile != "show.wav" {
		t.Errorf("currentFile = %q", c.currentFile)
	}
}

func TestStartDefaults(t *testing.T) {
	c, tx := newTestConsole(t)
	writeWAV(t, c.dir, "a.wav")

	c.Execute("start a.wav")

	want := audio.Params{FrequencyMHz: 90.0, PS: "BotWave", RT: "Broadcasting", PI: "FFFF"}
	if tx.params != want {
		t.Errorf("params = %+v, want %+v", tx.params, want)
	}
}

func TestStartMissingFile(t *testing.T) {
	c, tx := newTestConsole(t)
	c.Execute("start missing.wav")
	if tx.Status().Playing {
		t.Error("transmitter started for missing file")
	}
}

func TestStartInvalidFrequency(t *testing.T) {
	c, tx := newTestConsole(t)
	writeWAV(t, c.dir, "a.wav")
	c.Execute("start a.wav loud")
	if tx.Status().Playing {
		t.Error("transmitter started with invalid frequency")
	}
}

func TestStartReplacesCurrent(t *testing.T) {
	c, tx := newTestConsole(t)
	writeWAV(t, c.dir, "a.wav")
	writeWAV(t, c.dir, "b.wav")

	c.Execute("start a.wav")
	c.Execute("start b.wav")

	if tx.stops != 1 {
		t.Errorf("stops = %d, want 1", tx.stops)
	}
	if c.currentFile != "b.wav" {
		t.Errorf("currentFile = %q, want b.wav", c.currentFile)
	}
}

func TestStopCommand(t *testing.T) {
	c, tx := newTestConsole(t)
	writeWAV(t, c.dir, "a.wav")
	c.Execute("start a.wav")

	c.Execute("stop")

	if tx.Status().Playing {
		t.Error("still playing after stop")
	}
}

func TestExitReturnsFalse(t *testing.T) {
	c, tx := newTestConsole(t)
	writeWAV(t, c.dir, "a.wav")
	c.Execute("start a.wav")

	if c.Execute("exit") {
		t.Error("Execute(exit) = true, want false")
	}
	if tx.Status().Playing {
		t.Error("still playing after exit")
	}
}

func TestUnknownCommandContinues(t *testing.T) {
	c, _ := newTestConsole(t)
	for _, line := range []string{"", "   ", "# comment", "bogus args"} {
		if !c.Execute(line) {
			t.Errorf("Execute(%q) = false, want true", line)
		}
	}
}

func TestUploadCommand(t *testing.T) {
	c, _ := newTestConsole(t)
	src := filepath.Join(t.TempDir(), "src.wav")
	if err := os.WriteFile(src, []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	c.Execute("upload " + src + " dest.wav")

	data, err := os.ReadFile(filepath.Join(c.dir, "dest.wav"))
	if err != nil {
		t.Fatalf("reading copied file: %v", err)
	}
	if string(data) != "RIFFdata" {
		t.Errorf("copied content = %q", data)
	}
}

func TestUploadRejectsNonWAVDestination(t *testing.T) {
	c, _ := newTestConsole(t)
	src := filepath.Join(t.TempDir(), "src.wav")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c.Execute("upload " + src + " ../escape.wav")

	if _, err := os.Stat(filepath.Join(c.dir, "..", "escape.wav")); err == nil {
		t.Error("upload escaped the library directory")
	}
}

func TestQueueAutoAdvance(t *testing.T) {
	c, tx := newTestConsole(t)
	writeWAV(t, c.dir, "a.wav")
	writeWAV(t, c.dir, "b.wav")

	c.Execute("queue + a.wav, b.wav")
	c.Execute("queue ! 98.5")

	if got := filepath.Base(tx.path); got != "a.wav" {
		t.Fatalf("first queue item = %s, want a.wav", got)
	}

	// Fim natural do primeiro item: a fila avança.
	tx.mu.Lock()
	tx.playing = false
	tx.mu.Unlock()
	c.pollPlayback()

	if got := filepath.Base(tx.path); got != "b.wav" {
		t.Errorf("after advance = %s, want b.wav", got)
	}
}

func TestManualStartPausesQueue(t *testing.T) {
	c, _ := newTestConsole(t)
	writeWAV(t, c.dir, "a.wav")
	writeWAV(t, c.dir, "b.wav")

	c.Execute("queue + a.wav")
	c.Execute("queue ! 98.5")
	c.Execute("start b.wav")

	if !c.queue.Paused() {
		t.Error("queue not paused after manual start")
	}
}

func TestHandlersFireOnStart(t *testing.T) {
	handlersDir := t.TempDir()
	c := New(t.TempDir(), handlersDir, &fakeTransmitter{}, discardLogger())
	writeWAV(t, c.dir, "a.wav")
	marker := filepath.Join(c.dir, "marker.wav")
	if err := os.WriteFile(filepath.Join(handlersDir, "l_onstart_touch.shdl"),
		[]byte("# fired on start\nupload "+filepath.Join(c.dir, "a.wav")+" marker.wav\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c.Execute("start a.wav")

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("l_onstart handler did not run: %v", err)
	}
}

func TestLocalBackendTargets(t *testing.T) {
	c, _ := newTestConsole(t)
	b := (*localBackend)(c)
	got := b.Targets("anything")
	if len(got) != 1 || got[0] != "local" {
		t.Errorf("Targets() = %v, want [local]", got)
	}
}
