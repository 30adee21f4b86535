package ota

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types. Client requests sit below 0x40, device acknowledgements in
// 0x40-0x7f and device errors from 0x80 up.
const (
	frameHello    byte = 0x01
	frameAuth     byte = 0x02
	frameBegin    byte = 0x03
	frameChunk    byte = 0x04
	frameFinalize byte = 0x05
	frameAbort    byte = 0x06

	frameChallenge byte = 0x40
	frameAuthOK    byte = 0x41
	framePrepareOK byte = 0x42
	frameChunkAck  byte = 0x43
	frameEndOK     byte = 0x44

	frameErrAuthInvalid byte = 0x80
	frameErrBadToken    byte = 0x81
	frameErrChunkRetry  byte = 0x82
	frameErrWriteFailed byte = 0x83
	frameErrNoSpace     byte = 0x84
	frameErrHash        byte = 0x85
	frameErrProtocol    byte = 0x86
	frameErrBusy        byte = 0x87
)

const (
	protocolVersion byte = 1

	nonceSize  = 32
	tokenSize  = 16
	digestSize = 32

	headerSize   = 5
	maxFrameBody = 1 << 20

	// MaxChunkSize bounds the chunk size either side may propose.
	MaxChunkSize = 64 * 1024
)

var magic = [5]byte{'F', 'G', 'O', 'T', 'A'}

func isDeviceError(t byte) bool { return t >= 0x80 }

func frameName(t byte) string {
	switch t {
	case frameHello:
		return "HELLO"
	case frameAuth:
		return "AUTH"
	case frameBegin:
		return "BEGIN"
	case frameChunk:
		return "CHUNK"
	case frameFinalize:
		return "FINALIZE"
	case frameAbort:
		return "ABORT"
	case frameChallenge:
		return "CHALLENGE"
	case frameAuthOK:
		return "AUTH_OK"
	case framePrepareOK:
		return "PREPARE_OK"
	case frameChunkAck:
		return "CHUNK_ACK"
	case frameEndOK:
		return "END_OK"
	case frameErrAuthInvalid:
		return "ERR_AUTH_INVALID"
	case frameErrBadToken:
		return "ERR_BAD_TOKEN"
	case frameErrChunkRetry:
		return "ERR_CHUNK_RETRY"
	case frameErrWriteFailed:
		return "ERR_WRITE_FAILED"
	case frameErrNoSpace:
		return "ERR_NO_SPACE"
	case frameErrHash:
		return "ERR_HASH_MISMATCH"
	case frameErrProtocol:
		return "ERR_PROTOCOL"
	case frameErrBusy:
		return "ERR_BUSY"
	}
	return fmt.Sprintf("0x%02x", t)
}

// frame is one message: type:u8 | length:u32be | body.
type frame struct {
	typ  byte
	body []byte
}

func writeFrame(w *bufio.Writer, typ byte, body []byte) error {
	var hdr [headerSize]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameBody {
		return frame{}, fmt.Errorf("frame %s body of %d bytes exceeds limit", frameName(hdr[0]), n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	return frame{typ: hdr[0], body: body}, nil
}

// Message bodies.

func helloBody() []byte {
	return append(magic[:], protocolVersion)
}

func parseHello(b []byte) (version byte, err error) {
	if len(b) != len(magic)+1 || [5]byte(b[:5]) != magic {
		return 0, fmt.Errorf("bad hello")
	}
	return b[5], nil
}

func authBody(cnonce, digest []byte, chunkSize uint32) []byte {
	b := make([]byte, 0, nonceSize+digestSize+4)
	b = append(b, cnonce...)
	b = append(b, digest...)
	return binary.BigEndian.AppendUint32(b, chunkSize)
}

func parseAuth(b []byte) (cnonce, digest []byte, chunkSize uint32, err error) {
	if len(b) != nonceSize+digestSize+4 {
		return nil, nil, 0, fmt.Errorf("auth body is %d bytes", len(b))
	}
	return b[:nonceSize], b[nonceSize : nonceSize+digestSize], binary.BigEndian.Uint32(b[nonceSize+digestSize:]), nil
}

func authOKBody(token []byte, chunkSize uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte{}, token...), chunkSize)
}

func parseAuthOK(b []byte) (token []byte, chunkSize uint32, err error) {
	if len(b) != tokenSize+4 {
		return nil, 0, fmt.Errorf("auth ok body is %d bytes", len(b))
	}
	return b[:tokenSize], binary.BigEndian.Uint32(b[tokenSize:]), nil
}

func beginBody(token []byte, size, chunks uint32) []byte {
	b := append([]byte{}, token...)
	b = binary.BigEndian.AppendUint32(b, size)
	return binary.BigEndian.AppendUint32(b, chunks)
}

func parseBegin(b []byte) (token []byte, size, chunks uint32, err error) {
	if len(b) != tokenSize+8 {
		return nil, 0, 0, fmt.Errorf("begin body is %d bytes", len(b))
	}
	return b[:tokenSize], binary.BigEndian.Uint32(b[tokenSize:]), binary.BigEndian.Uint32(b[tokenSize+4:]), nil
}

func chunkBody(token []byte, seq, crc uint32, data []byte) []byte {
	b := make([]byte, 0, tokenSize+8+len(data))
	b = append(b, token...)
	b = binary.BigEndian.AppendUint32(b, seq)
	b = binary.BigEndian.AppendUint32(b, crc)
	return append(b, data...)
}

func parseChunk(b []byte) (token []byte, seq, crc uint32, data []byte, err error) {
	if len(b) < tokenSize+8 {
		return nil, 0, 0, nil, fmt.Errorf("chunk body is %d bytes", len(b))
	}
	return b[:tokenSize], binary.BigEndian.Uint32(b[tokenSize:]), binary.BigEndian.Uint32(b[tokenSize+4:]), b[tokenSize+8:], nil
}

func seqBody(seq uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, seq)
}

func parseSeq(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("sequence body is %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func finalizeBody(token []byte, hash [32]byte) []byte {
	return append(append([]byte{}, token...), hash[:]...)
}

func parseFinalize(b []byte) (token []byte, hash [32]byte, err error) {
	if len(b) != tokenSize+32 {
		return nil, hash, fmt.Errorf("finalize body is %d bytes", len(b))
	}
	copy(hash[:], b[tokenSize:])
	return b[:tokenSize], hash, nil
}
