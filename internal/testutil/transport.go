package testutil

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"flashguard/internal/flash"
)

// FakeTransport is an in-memory flash.Transport. It accepts the configured
// secret, records every image it receives and only "installs" an image when
// the finalize hash matches what was received. Errors can be injected per
// call.
type FakeTransport struct {
	Secret    []byte
	ChunkSize int

	// Injected errors, consumed one per call. A nil entry means success.
	ConnectErrs []error
	AuthErrs    []error
	TransferErr error
	FinalizeErr error

	// OnFinalize runs after an image is accepted, before Finalize returns.
	OnFinalize func(image []byte)

	mu        sync.Mutex
	connects  int
	auths     int
	transfers int
	received  []byte
	installed []byte
	closed    int
}

func NewFakeTransport(secret []byte) *FakeTransport {
	return &FakeTransport{Secret: secret, ChunkSize: 8192}
}

func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *FakeTransport) Auths() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths
}

func (f *FakeTransport) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

// Received returns the bytes of the last transfer.
func (f *FakeTransport) Received() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

// Installed returns the last image accepted at finalize, or nil.
func (f *FakeTransport) Installed() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}

func (f *FakeTransport) Connect(ctx context.Context, address string, port int) (flash.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.ConnectErrs) > 0 {
		err := f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &fakeConn{t: f}, nil
}

type fakeConn struct {
	t *FakeTransport
}

func (c *fakeConn) Authenticate(ctx context.Context, secret []byte) (flash.AuthToken, error) {
	f := c.t
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	if len(f.AuthErrs) > 0 {
		err := f.AuthErrs[0]
		f.AuthErrs = f.AuthErrs[1:]
		if err != nil {
			return flash.AuthToken{}, err
		}
	}
	if !bytes.Equal(secret, f.Secret) {
		return flash.AuthToken{}, fmt.Errorf("digest mismatch: %w", flash.ErrAuthRejected)
	}
	return flash.AuthToken{Token: []byte("fake-token"), ChunkSize: f.ChunkSize}, nil
}

func (c *fakeConn) Transfer(ctx context.Context, token flash.AuthToken, image []byte, progress func(sent, total int64)) error {
	f := c.t
	f.mu.Lock()
	f.transfers++
	err := f.TransferErr
	f.mu.Unlock()

	total := int64(len(image))
	var sent int64
	for off := 0; off < len(image); off += token.ChunkSize {
		end := min(off+token.ChunkSize, len(image))
		if err != nil && off > 0 {
			return err
		}
		sent += int64(end - off)
		if progress != nil {
			progress(sent, total)
		}
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.received = bytes.Clone(image)
	f.mu.Unlock()
	return nil
}

func (c *fakeConn) Finalize(ctx context.Context, token flash.AuthToken, hash [32]byte) error {
	f := c.t
	f.mu.Lock()
	if f.FinalizeErr != nil {
		err := f.FinalizeErr
		f.mu.Unlock()
		return err
	}
	if sha256.Sum256(f.received) != hash {
		f.mu.Unlock()
		return fmt.Errorf("device hash differs: %w", flash.ErrVerifyRejected)
	}
	f.installed = f.received
	image := f.installed
	hook := f.OnFinalize
	f.mu.Unlock()

	if hook != nil {
		hook(image)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.closed++
	return nil
}

// TransientError is a retryable network failure.
type TransientError struct{ Msg string }

func (e *TransientError) Error() string   { return e.Msg }
func (e *TransientError) Transient() bool { return true }
func (e *TransientError) Unwrap() error   { return flash.ErrUnreachable }
