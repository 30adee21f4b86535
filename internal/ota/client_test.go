package ota_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"flashguard/internal/flash"
	"flashguard/internal/ota"
	"flashguard/internal/testutil"
)

var secret = []byte("device-shared-secret")

// startDevice runs an emulated device on a loopback port for the test.
func startDevice(t *testing.T, cfg ota.DeviceConfig) (*ota.Device, string, int) {
	t.Helper()
	if cfg.Secret == nil {
		cfg.Secret = secret
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	dev := ota.NewDevice(cfg, flash.NewNopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dev.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return dev, host, port
}

func newDialer(chunkSize int) *ota.Dialer {
	return ota.NewDialer(ota.Config{
		ChunkSize:      chunkSize,
		ConnectTimeout: time.Second,
		IOTimeout:      200 * time.Millisecond,
		MaxRetransmits: 2,
	}, flash.NewNopLogger())
}

// connectAndAuth opens a connection and authenticates with key.
func connectAndAuth(t *testing.T, d *ota.Dialer, host string, port int, key []byte) (flash.Conn, flash.AuthToken, error) {
	t.Helper()
	conn, err := d.Connect(context.Background(), host, port)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	token, err := conn.Authenticate(context.Background(), key)
	return conn, token, err
}

func TestClient_RoundTrip(t *testing.T) {
	dev, host, port := startDevice(t, ota.DeviceConfig{})
	image := testutil.FirmwareImage("2.0.0", 100*1024+123)
	hash := sha256.Sum256(image)

	conn, token, err := connectAndAuth(t, newDialer(4096), host, port, secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token.ChunkSize != 4096 || len(token.Token) == 0 {
		t.Errorf("token = %+v", token)
	}

	var lastSent, lastTotal int64
	calls := 0
	err = conn.Transfer(context.Background(), token, image, func(sent, total int64) {
		if sent < lastSent {
			t.Errorf("progress went backwards: %d after %d", sent, lastSent)
		}
		lastSent, lastTotal = sent, total
		calls++
	})
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if lastSent != int64(len(image)) || lastTotal != int64(len(image)) {
		t.Errorf("final progress = %d/%d, want %d", lastSent, lastTotal, len(image))
	}
	if want := (len(image) + 4095) / 4096; calls != want {
		t.Errorf("progress called %d times, want once per chunk (%d)", calls, want)
	}

	if err := conn.Finalize(context.Background(), token, hash); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if !bytes.Equal(dev.Installed(), image) {
		t.Fatal("device image differs from the sent image")
	}
	if sha256.Sum256(dev.Installed()) != hash {
		t.Error("device image hash differs from the artifact hash")
	}
}

func TestClient_ChunkSizeNegotiation(t *testing.T) {
	_, host, port := startDevice(t, ota.DeviceConfig{MaxChunkSize: 1024})

	_, token, err := connectAndAuth(t, newDialer(8192), host, port, secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token.ChunkSize != 1024 {
		t.Errorf("ChunkSize = %d, want device maximum 1024", token.ChunkSize)
	}
}

func TestClient_WrongSecret(t *testing.T) {
	_, host, port := startDevice(t, ota.DeviceConfig{})

	_, _, err := connectAndAuth(t, newDialer(4096), host, port, []byte("not-the-secret"))

	if !errors.Is(err, flash.ErrAuthRejected) {
		t.Fatalf("Authenticate() error = %v, want ErrAuthRejected", err)
	}
	if flash.IsTransient(err) {
		t.Error("a rejected digest must not be transient")
	}
	var oe *ota.Error
	if !errors.As(err, &oe) || oe.Op != "authenticate" {
		t.Errorf("error = %#v, want *ota.Error for authenticate", err)
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = newDialer(4096).Connect(context.Background(), "127.0.0.1", addr.Port)

	if !errors.Is(err, flash.ErrUnreachable) {
		t.Fatalf("Connect() error = %v, want ErrUnreachable", err)
	}
	if !flash.IsTransient(err) {
		t.Error("connection refused should be transient")
	}
}

func TestClient_DroppedAckIsRetransmitted(t *testing.T) {
	dev, host, port := startDevice(t, ota.DeviceConfig{})
	dev.DropAcks(3, 1)
	image := testutil.FirmwareImage("2.0.0", 40*1024)

	conn, token, err := connectAndAuth(t, newDialer(4096), host, port, secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if err := conn.Transfer(context.Background(), token, image, nil); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if err := conn.Finalize(context.Background(), token, sha256.Sum256(image)); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if !bytes.Equal(dev.Installed(), image) {
		t.Error("retransmission corrupted the image")
	}
}

func TestClient_TransferAborts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(dev *ota.Device)
	}{
		{
			name:  "acknowledgements lost beyond retransmit budget",
			setup: func(dev *ota.Device) { dev.DropAcks(2, 10) },
		},
		{
			name:  "device write failure",
			setup: func(dev *ota.Device) { dev.FailWrite(1) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, host, port := startDevice(t, ota.DeviceConfig{})
			tt.setup(dev)
			image := testutil.FirmwareImage("2.0.0", 40*1024)

			conn, token, err := connectAndAuth(t, newDialer(4096), host, port, secret)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			err = conn.Transfer(context.Background(), token, image, nil)

			if !errors.Is(err, flash.ErrTransferAborted) {
				t.Fatalf("Transfer() error = %v, want ErrTransferAborted", err)
			}
			conn.Close()
			waitFor(t, func() bool { return dev.Aborted() == 1 })
			if dev.Installed() != nil || dev.Applied() != 0 {
				t.Error("device applied a partial image")
			}
		})
	}
}

func TestClient_FinalizeHashMismatch(t *testing.T) {
	dev, host, port := startDevice(t, ota.DeviceConfig{})
	image := testutil.FirmwareImage("2.0.0", 20*1024)

	conn, token, err := connectAndAuth(t, newDialer(4096), host, port, secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if err := conn.Transfer(context.Background(), token, image, nil); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	wrong := sha256.Sum256([]byte("something else"))
	err = conn.Finalize(context.Background(), token, wrong)

	if !errors.Is(err, flash.ErrVerifyRejected) {
		t.Fatalf("Finalize() error = %v, want ErrVerifyRejected", err)
	}
	if dev.Installed() != nil || dev.Version() != "1.0.0" {
		t.Error("device changed firmware after a rejected finalize")
	}
}

func TestClient_DeviceCapacity(t *testing.T) {
	_, host, port := startDevice(t, ota.DeviceConfig{Capacity: 8 * 1024})
	image := testutil.FirmwareImage("2.0.0", 16*1024)

	conn, token, err := connectAndAuth(t, newDialer(4096), host, port, secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	err = conn.Transfer(context.Background(), token, image, nil)

	var oe *ota.Error
	if !errors.As(err, &oe) || !errors.Is(err, flash.ErrTransferAborted) {
		t.Fatalf("Transfer() error = %v, want aborted", err)
	}
	if oe.Code == 0 {
		t.Error("device refusal code not recorded")
	}
}

func TestClient_CancelledContextInterruptsIO(t *testing.T) {
	dev, host, port := startDevice(t, ota.DeviceConfig{})
	dev.DropAcks(0, 100)
	d := ota.NewDialer(ota.Config{ChunkSize: 4096, IOTimeout: 10 * time.Second, MaxRetransmits: 5}, flash.NewNopLogger())

	conn, token, err := connectAndAuth(t, d, host, port, secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = conn.Transfer(ctx, token, testutil.FirmwareImage("2.0.0", 8192), nil)

	if !errors.Is(err, flash.ErrTransferAborted) {
		t.Errorf("Transfer() error = %v, want ErrTransferAborted", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Transfer() took %s after cancellation", elapsed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
