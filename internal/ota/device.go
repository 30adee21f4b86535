package ota

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"sync"
	"time"

	"flashguard/internal/flash"
)

// DeviceConfig configures an emulated device.
type DeviceConfig struct {
	Secret  []byte
	Version string
	// MaxChunkSize caps the chunk size the device agrees to.
	MaxChunkSize int
	// Capacity is the largest image the device accepts. Zero means no limit.
	Capacity int
	// IdleTimeout drops a connection that stays silent this long.
	IdleTimeout time.Duration
}

// Device is an in-process implementation of the device side of the
// protocol. It backs the emulate command and the transport tests. A Device
// serves one OTA session at a time; concurrent connections are told it is
// busy.
type Device struct {
	cfg    DeviceConfig
	logger flash.Logger

	mu        sync.Mutex
	busy      bool
	version   string
	installed []byte
	applied   int
	aborted   int
	dropAcks  map[uint32]int
	failWrite map[uint32]bool
	onApply   func(image []byte)
}

// NewDevice creates an emulated device running cfg.Version.
func NewDevice(cfg DeviceConfig, logger flash.Logger) *Device {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = MaxChunkSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Device{
		cfg:       cfg,
		logger:    logger,
		version:   cfg.Version,
		dropAcks:  make(map[uint32]int),
		failWrite: make(map[uint32]bool),
	}
}

// DropAcks makes the device silently drop the next n acknowledgements for
// chunk seq, as a lossy link would.
func (d *Device) DropAcks(seq uint32, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropAcks[seq] = n
}

// FailWrite makes the device report a flash write failure at chunk seq.
func (d *Device) FailWrite(seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrite[seq] = true
}

// OnApply registers a callback invoked with each accepted image.
func (d *Device) OnApply(fn func(image []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onApply = fn
}

// SetVersion changes the version the device reports, as after a reboot.
func (d *Device) SetVersion(v string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

func (d *Device) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Installed returns the last image the device accepted, or nil.
func (d *Device) Installed() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installed
}

// Applied returns how many images the device accepted.
func (d *Device) Applied() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}

// Aborted returns how many transfers were discarded.
func (d *Device) Aborted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

// Serve accepts connections on ln until ctx is done.
func (d *Device) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handle(ctx, nc)
		}()
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (d *Device) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	d.logger.Info("emulated device listening", "addr", ln.Addr().String(), "version", d.Version())
	return d.Serve(ctx, ln)
}

// otaSession is the per-connection device state.
type otaSession struct {
	nonce     []byte
	token     []byte
	chunkSize int
	size      int
	chunks    uint32
	nextSeq   uint32
	buf       bytes.Buffer
	receiving bool
}

func (d *Device) handle(ctx context.Context, nc net.Conn) {
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	defer nc.Close()

	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	remote := nc.RemoteAddr().String()

	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		writeFrame(w, frameErrBusy, []byte("ota session in progress"))
		return
	}
	d.busy = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}()

	s := &otaSession{}
	defer func() {
		if s.receiving {
			d.discard("connection closed mid-transfer")
		}
	}()

	for {
		nc.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout))
		f, err := readFrame(r)
		if err != nil {
			return
		}
		done, err := d.dispatch(s, w, f)
		if err != nil {
			d.logger.Warn("emulated device dropped connection", "remote", remote, "error", err)
			return
		}
		if done {
			return
		}
	}
}

// dispatch handles one client frame. done is true when the session ended.
func (d *Device) dispatch(s *otaSession, w *bufio.Writer, f frame) (done bool, err error) {
	reply := func(typ byte, body []byte) error { return writeFrame(w, typ, body) }

	switch f.typ {
	case frameHello:
		if _, err := parseHello(f.body); err != nil {
			return true, reply(frameErrProtocol, []byte(err.Error()))
		}
		s.nonce = make([]byte, nonceSize)
		rand.Read(s.nonce)
		return false, reply(frameChallenge, s.nonce)

	case frameAuth:
		cnonce, digest, proposed, err := parseAuth(f.body)
		if err != nil || s.nonce == nil {
			return true, reply(frameErrProtocol, []byte("auth before hello"))
		}
		want := authDigest(d.cfg.Secret, s.nonce, cnonce)
		s.nonce = nil
		if subtle.ConstantTimeCompare(want[:], digest) != 1 {
			return true, reply(frameErrAuthInvalid, []byte("digest mismatch"))
		}
		s.token = make([]byte, tokenSize)
		rand.Read(s.token)
		s.chunkSize = min(int(proposed), d.cfg.MaxChunkSize)
		if s.chunkSize <= 0 {
			return true, reply(frameErrProtocol, []byte("zero chunk size"))
		}
		return false, reply(frameAuthOK, authOKBody(s.token, uint32(s.chunkSize)))

	case frameBegin:
		token, size, chunks, err := parseBegin(f.body)
		if err != nil {
			return true, reply(frameErrProtocol, []byte(err.Error()))
		}
		if !s.validToken(token) {
			return true, reply(frameErrBadToken, nil)
		}
		if d.cfg.Capacity > 0 && int(size) > d.cfg.Capacity {
			return true, reply(frameErrNoSpace, []byte(fmt.Sprintf("image of %d bytes exceeds %d", size, d.cfg.Capacity)))
		}
		if want := (int(size) + s.chunkSize - 1) / s.chunkSize; int(chunks) != want {
			return true, reply(frameErrProtocol, []byte(fmt.Sprintf("%d chunks announced, %d expected", chunks, want)))
		}
		s.size, s.chunks, s.nextSeq, s.receiving = int(size), chunks, 0, true
		s.buf.Reset()
		s.buf.Grow(s.size)
		return false, reply(framePrepareOK, nil)

	case frameChunk:
		return d.receiveChunk(s, reply, f.body)

	case frameFinalize:
		token, hash, err := parseFinalize(f.body)
		if err != nil || !s.receiving {
			return true, reply(frameErrProtocol, []byte("finalize without transfer"))
		}
		if !s.validToken(token) {
			return true, reply(frameErrBadToken, nil)
		}
		s.receiving = false
		image := s.buf.Bytes()
		if s.nextSeq != s.chunks || len(image) != s.size || sha256.Sum256(image) != hash {
			d.discard("image hash mismatch")
			return true, reply(frameErrHash, []byte("image hash mismatch"))
		}
		if err := reply(frameEndOK, nil); err != nil {
			return true, err
		}
		d.apply(bytes.Clone(image))
		return true, nil

	case frameAbort:
		if s.receiving {
			s.receiving = false
			d.discard("client aborted")
		}
		return true, nil
	}

	return true, reply(frameErrProtocol, []byte("unexpected "+frameName(f.typ)))
}

func (d *Device) receiveChunk(s *otaSession, reply func(byte, []byte) error, body []byte) (bool, error) {
	token, seq, crc, data, err := parseChunk(body)
	if err != nil || !s.receiving {
		return true, reply(frameErrProtocol, []byte("chunk outside transfer"))
	}
	if !s.validToken(token) {
		return true, reply(frameErrBadToken, nil)
	}

	switch {
	case seq+1 == s.nextSeq:
		// Retransmission of a chunk already written; acknowledge again.
		if d.takeDrop(seq) {
			return false, nil
		}
		return false, reply(frameChunkAck, seqBody(seq))
	case seq != s.nextSeq:
		return false, reply(frameErrChunkRetry, seqBody(s.nextSeq))
	case crc32.ChecksumIEEE(data) != crc || len(data) > s.chunkSize:
		return false, reply(frameErrChunkRetry, seqBody(seq))
	case s.buf.Len()+len(data) > s.size:
		s.receiving = false
		d.discard("image larger than announced")
		return true, reply(frameErrNoSpace, nil)
	}

	d.mu.Lock()
	fail := d.failWrite[seq]
	d.mu.Unlock()

	if fail {
		s.receiving = false
		d.discard(fmt.Sprintf("write failed at chunk %d", seq))
		return true, reply(frameErrWriteFailed, []byte(fmt.Sprintf("flash write failed at chunk %d", seq)))
	}

	s.buf.Write(data)
	s.nextSeq++
	if d.takeDrop(seq) {
		return false, nil
	}
	return false, reply(frameChunkAck, seqBody(seq))
}

func (s *otaSession) validToken(token []byte) bool {
	return s.token != nil && subtle.ConstantTimeCompare(s.token, token) == 1
}

func (d *Device) discard(reason string) {
	d.mu.Lock()
	d.aborted++
	d.mu.Unlock()
	d.logger.Warn("emulated device discarded partial image", "reason", reason)
}

// takeDrop reports whether the acknowledgement for seq should be lost.
func (d *Device) takeDrop(seq uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dropAcks[seq] > 0 {
		d.dropAcks[seq]--
		return true
	}
	return false
}

func (d *Device) apply(image []byte) {
	d.mu.Lock()
	d.installed = image
	d.applied++
	fn := d.onApply
	d.mu.Unlock()

	d.logger.Info("emulated device accepted image", "bytes", len(image), "sha256", fmt.Sprintf("%x", sha256.Sum256(image)))
	if fn != nil {
		fn(image)
	}
}
