// Package ota implements the device-facing firmware transfer protocol: a
// nonce challenge answered with SHA-256(secret || nonce || cnonce), then
// sequenced chunks each carrying a CRC-32 and acknowledged in order, then a
// whole-image SHA-256 the device checks before applying.
package ota

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"flashguard/internal/flash"
)

// Defaults for Config fields left at zero.
const (
	DefaultChunkSize      = 8192
	DefaultConnectTimeout = 5 * time.Second
	DefaultIOTimeout      = 10 * time.Second
	DefaultMaxRetransmits = 3
)

// Config tunes the client side of the protocol.
type Config struct {
	// ChunkSize is proposed to the device during authentication; the device
	// may lower it.
	ChunkSize      int
	ConnectTimeout time.Duration
	// IOTimeout bounds each request/response exchange, including waiting
	// for a chunk acknowledgement.
	IOTimeout time.Duration
	// MaxRetransmits is how often one chunk is resent after a missing or
	// out-of-order acknowledgement before the transfer is aborted.
	MaxRetransmits int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	c.ChunkSize = min(c.ChunkSize, MaxChunkSize)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	if c.MaxRetransmits < 0 {
		c.MaxRetransmits = 0
	}
	return c
}

// Dialer opens OTA connections. It implements flash.Transport.
type Dialer struct {
	cfg    Config
	logger flash.Logger
	rand   io.Reader
}

// NewDialer creates a Dialer. A zero MaxRetransmits in cfg means no
// retransmission; use DefaultMaxRetransmits for the usual behaviour.
func NewDialer(cfg Config, logger flash.Logger) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), logger: logger, rand: rand.Reader}
}

// Connect dials the device's service port.
func (d *Dialer) Connect(ctx context.Context, address string, port int) (flash.Conn, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, networkError("connect", flash.ErrUnreachable, err)
	}
	d.logger.Debug("ota connected", "addr", addr)
	return &Conn{
		nc:     nc,
		r:      bufio.NewReader(nc),
		w:      bufio.NewWriter(nc),
		cfg:    d.cfg,
		logger: d.logger,
		rand:   d.rand,
		addr:   addr,
	}, nil
}

// Conn is one connection to a device.
type Conn struct {
	nc     net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	cfg    Config
	logger flash.Logger
	rand   io.Reader
	addr   string

	closeOnce sync.Once
	closeErr  error
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.nc.Close() })
	return c.closeErr
}

// bind closes the connection when ctx is done, which interrupts any blocked
// I/O. The returned function undoes the binding.
func (c *Conn) bind(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { c.Close() })
}

// roundTrip sends one frame and reads the reply, both within IOTimeout.
func (c *Conn) roundTrip(typ byte, body []byte) (frame, error) {
	if err := c.send(typ, body); err != nil {
		return frame{}, err
	}
	return c.recv()
}

func (c *Conn) send(typ byte, body []byte) error {
	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
	return writeFrame(c.w, typ, body)
}

func (c *Conn) recv() (frame, error) {
	c.nc.SetReadDeadline(time.Now().Add(c.cfg.IOTimeout))
	return readFrame(c.r)
}

// Authenticate runs the hello/challenge exchange and agrees a chunk size.
func (c *Conn) Authenticate(ctx context.Context, secret []byte) (flash.AuthToken, error) {
	defer c.bind(ctx)()
	const op = "authenticate"

	f, err := c.roundTrip(frameHello, helloBody())
	if err != nil {
		return flash.AuthToken{}, networkError(op, flash.ErrUnreachable, err)
	}
	if f.typ == frameErrBusy {
		return flash.AuthToken{}, &Error{Op: op, Kind: flash.ErrUnreachable, Code: f.typ, transient: true}
	}
	if f.typ != frameChallenge || len(f.body) != nonceSize {
		return flash.AuthToken{}, unexpected(op, flash.ErrAuthRejected, f)
	}
	nonce := f.body

	cnonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.rand, cnonce); err != nil {
		return flash.AuthToken{}, &Error{Op: op, Kind: flash.ErrAuthRejected, Err: fmt.Errorf("generating cnonce: %w", err)}
	}
	digest := authDigest(secret, nonce, cnonce)

	f, err = c.roundTrip(frameAuth, authBody(cnonce, digest[:], uint32(c.cfg.ChunkSize)))
	if err != nil {
		return flash.AuthToken{}, networkError(op, flash.ErrUnreachable, err)
	}
	if f.typ != frameAuthOK {
		return flash.AuthToken{}, unexpected(op, flash.ErrAuthRejected, f)
	}
	token, chunkSize, err := parseAuthOK(f.body)
	if err != nil {
		return flash.AuthToken{}, &Error{Op: op, Kind: flash.ErrAuthRejected, Code: frameErrProtocol, Err: err}
	}
	if chunkSize == 0 || int(chunkSize) > c.cfg.ChunkSize {
		return flash.AuthToken{}, &Error{Op: op, Kind: flash.ErrAuthRejected, Code: frameErrProtocol,
			Err: fmt.Errorf("device agreed chunk size %d, proposed %d", chunkSize, c.cfg.ChunkSize)}
	}

	c.logger.Debug("ota authenticated", "addr", c.addr, "chunk_size", chunkSize)
	return flash.AuthToken{Token: append([]byte(nil), token...), ChunkSize: int(chunkSize)}, nil
}

// authDigest is SHA-256 over the shared secret, the device nonce and the
// client nonce.
func authDigest(secret, nonce, cnonce []byte) [32]byte {
	h := sha256.New()
	h.Write(secret)
	h.Write(nonce)
	h.Write(cnonce)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Transfer sends the image in chunks of the agreed size. Each chunk must be
// acknowledged with its own sequence number before the next is sent. A
// missing or out-of-order acknowledgement causes a resend of the same chunk,
// up to MaxRetransmits times; after that the transfer is aborted and the
// device told to discard what it has.
func (c *Conn) Transfer(ctx context.Context, token flash.AuthToken, image []byte, progress func(sent, total int64)) error {
	defer c.bind(ctx)()
	const op = "transfer"

	if token.ChunkSize <= 0 {
		return &Error{Op: op, Kind: flash.ErrTransferAborted, Err: fmt.Errorf("no agreed chunk size")}
	}
	total := int64(len(image))
	chunks := (len(image) + token.ChunkSize - 1) / token.ChunkSize

	f, err := c.roundTrip(frameBegin, beginBody(token.Token, uint32(len(image)), uint32(chunks)))
	if err != nil {
		return networkError(op, flash.ErrTransferAborted, err)
	}
	if f.typ != framePrepareOK {
		return unexpected(op, flash.ErrTransferAborted, f)
	}

	var sent int64
	for seq := 0; seq < chunks; seq++ {
		start := seq * token.ChunkSize
		data := image[start:min(start+token.ChunkSize, len(image))]
		if err := c.sendChunk(token, uint32(seq), data); err != nil {
			c.abort(token)
			return err
		}
		sent += int64(len(data))
		if progress != nil {
			progress(sent, total)
		}
	}
	return nil
}

func (c *Conn) sendChunk(token flash.AuthToken, seq uint32, data []byte) error {
	const op = "transfer"
	body := chunkBody(token.Token, seq, crc32.ChecksumIEEE(data), data)

	for attempt := 0; ; attempt++ {
		if attempt > c.cfg.MaxRetransmits {
			return &Error{Op: op, Kind: flash.ErrTransferAborted,
				Err: fmt.Errorf("chunk %d unacknowledged after %d retransmissions", seq, c.cfg.MaxRetransmits)}
		}
		if attempt > 0 {
			c.logger.Debug("ota retransmitting chunk", "addr", c.addr, "seq", seq, "attempt", attempt)
		}
		if err := c.send(frameChunk, body); err != nil {
			return networkError(op, flash.ErrTransferAborted, err)
		}

		acked, err := c.awaitAck(seq)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
	}
}

// awaitAck reads replies until the chunk is acknowledged, a retransmit is
// needed, or the transfer must stop. Duplicate acknowledgements of earlier
// chunks are skipped.
func (c *Conn) awaitAck(seq uint32) (acked bool, err error) {
	const op = "transfer"
	for {
		f, err := c.recv()
		if err != nil {
			if isTimeout(err) {
				return false, nil
			}
			return false, networkError(op, flash.ErrTransferAborted, err)
		}

		switch f.typ {
		case frameChunkAck:
			got, err := parseSeq(f.body)
			if err != nil {
				return false, &Error{Op: op, Kind: flash.ErrTransferAborted, Code: frameErrProtocol, Err: err}
			}
			switch {
			case got == seq:
				return true, nil
			case got < seq:
				continue
			default:
				c.logger.Warn("ota out-of-order acknowledgement", "addr", c.addr, "want", seq, "got", got)
				return false, nil
			}
		case frameErrChunkRetry:
			return false, nil
		default:
			return false, unexpected(op, flash.ErrTransferAborted, f)
		}
	}
}

// abort tells the device to discard the partial image. Errors are ignored;
// a device that never hears it discards the image on disconnect.
func (c *Conn) abort(token flash.AuthToken) {
	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.IOTimeout))
	_ = writeFrame(c.w, frameAbort, token.Token)
}

// Finalize sends the whole-image hash. The device applies the image only if
// the hash matches what it received.
func (c *Conn) Finalize(ctx context.Context, token flash.AuthToken, imageHash [32]byte) error {
	defer c.bind(ctx)()
	const op = "finalize"

	f, err := c.roundTrip(frameFinalize, finalizeBody(token.Token, imageHash))
	if err != nil {
		return networkError(op, flash.ErrTransferAborted, err)
	}
	switch f.typ {
	case frameEndOK:
		c.logger.Debug("ota image accepted", "addr", c.addr)
		return nil
	case frameErrHash:
		return rejected(op, flash.ErrVerifyRejected, f.typ, f.body)
	default:
		return unexpected(op, flash.ErrTransferAborted, f)
	}
}

// unexpected turns a device error or an out-of-place frame into an Error of
// the given kind.
func unexpected(op string, kind error, f frame) *Error {
	if isDeviceError(f.typ) {
		return rejected(op, kind, f.typ, f.body)
	}
	return &Error{Op: op, Kind: kind, Code: frameErrProtocol, Err: fmt.Errorf("unexpected %s frame", frameName(f.typ))}
}

var _ flash.Transport = (*Dialer)(nil)
var _ flash.Conn = (*Conn)(nil)
