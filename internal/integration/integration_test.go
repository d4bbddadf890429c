// Copyright (c) 2025 DPIP Studio. All rights reserved.
// Use of this source code is governed by the BotWave License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Testes de integração do caminho server ↔ client: handshake TLS com TOFU
// pinning, registro, broadcast e transferência de arquivo por token, tudo
// sobre listeners reais em loopback.
package integration

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dpipstudio/botwave/internal/audio"
	"github.com/dpipstudio/botwave/internal/client"
	"github.com/dpipstudio/botwave/internal/config"
	"github.com/dpipstudio/botwave/internal/pki"
	"github.com/dpipstudio/botwave/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransmitter struct {
	mu      sync.Mutex
	playing bool
	path    string
	params  audio.Params
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
	return nil
}

func (f *fakeTransmitter) Status() audio.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return audio.Status{Playing: f.playing}
}

func (f *fakeTransmitter) snapshot() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing, f.path
}

type fixture struct {
	srv       *server.Server
	tx        *fakeTransmitter
	serverDir string
	clientDir string
}

// startFixture sobe um server completo em portas efêmeras e conecta um
// client com transmissor fake. Retorna depois do registro completar.
func startFixture(t *testing.T) *fixture {
	t.Helper()

	certDir := t.TempDir()
	certPath := filepath.Join(certDir, "server.crt")
	keyPath := filepath.Join(certDir, "server.key")
	if err := pki.EnsureServerCert(certPath, keyPath); err != nil {
		t.Fatalf("generating certificate: %v", err)
	}
	tlsCfg, err := pki.NewServerTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("loading certificate: %v", err)
	}

	controlLn, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("control listener: %v", err)
	}
	fileLn, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("file listener: %v", err)
	}
	controlPort := controlLn.Addr().(*net.TCPAddr).Port
	filePort := fileLn.Addr().(*net.TCPAddr).Port

	scfg := &config.ServerConfig{}
	scfg.Server.Host = "127.0.0.1"
	scfg.Server.Port = controlPort
	scfg.Server.FilePort = filePort
	scfg.Server.Passkey = "integration-secret"
	scfg.TLS.Cert = certPath
	scfg.TLS.Key = keyPath
	scfg.Uploads.Dir = t.TempDir()
	scfg.Handlers.Dir = t.TempDir()
	if err := scfg.Validate(); err != nil {
		t.Fatalf("server config: %v", err)
	}

	srv, err := server.New(scfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.RunWithListeners(ctx, controlLn, fileLn, nil)

	ccfg := &config.ClientConfig{}
	ccfg.Server.Host = "127.0.0.1"
	ccfg.Server.Port = controlPort
	ccfg.Server.Passkey = "integration-secret"
	ccfg.Uploads.Dir = t.TempDir()
	ccfg.TLS.PinFile = filepath.Join(t.TempDir(), "server.pin")
	ccfg.Stats.Interval = time.Hour
	if err := ccfg.Validate(); err != nil {
		t.Fatalf("client config: %v", err)
	}

	tx := &fakeTransmitter{}
	go client.New(ccfg, tx, discardLogger()).Run(ctx)

	waitFor(t, 5*time.Second, func() bool { return srv.Registry().Len() == 1 })

	return &fixture{srv: srv, tx: tx, serverDir: scfg.Uploads.Dir, clientDir: ccfg.Uploads.Dir}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestClientRegistersWithTOFUPin(t *testing.T) {
	fx := startFixture(t)

	sessions := fx.srv.Registry().List()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].Info.Hostname == "" {
		t.Error("registered session has no hostname")
	}
}

func TestBroadcastReachesTransmitter(t *testing.T) {
	fx := startFixture(t)

	if err := os.WriteFile(filepath.Join(fx.clientDir, "show.wav"), []byte("RIFFdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fx.srv.StartBroadcast(ctx, "all", "show.wav", audio.Params{
		FrequencyMHz: 101.1, PS: "ITest", RT: "Integration", PI: "BEEF",
	})

	waitFor(t, 5*time.Second, func() bool {
		playing, _ := fx.tx.snapshot()
		return playing
	})
	_, path := fx.tx.snapshot()
	if filepath.Base(path) != "show.wav" {
		t.Errorf("playing %s, want show.wav", path)
	}

	fx.srv.StopBroadcast(ctx, "all")
	waitFor(t, 5*time.Second, func() bool {
		playing, _ := fx.tx.snapshot()
		return !playing
	})
}

func TestUploadDeliversFileToClient(t *testing.T) {
	fx := startFixture(t)

	src := filepath.Join(fx.serverDir, "payload.wav")
	if err := os.WriteFile(src, []byte("RIFF0000WAVEdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !fx.srv.UploadFile(ctx, "all", src) {
		t.Fatal("UploadFile returned false")
	}

	dest := filepath.Join(fx.clientDir, "payload.wav")
	waitFor(t, 10*time.Second, func() bool {
		data, err := os.ReadFile(dest)
		return err == nil && string(data) == "RIFF0000WAVEdata"
	})
}

func TestKickDisconnectsClient(t *testing.T) {
	fx := startFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fx.srv.Kick(ctx, "all", "integration test")

	waitFor(t, 5*time.Second, func() bool { return fx.srv.Registry().Len() == 0 })
}

