package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

const (
	// MaxFrameSize is the largest payload a frame can carry. The length
	// prefix is an unsigned 16-bit integer.
	MaxFrameSize = 0xFFFF

	// headerSize is the size of the length prefix in bytes
	headerSize = 2
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (65535 bytes)")
	ErrInvalidUTF8   = errors.New("frame payload is not valid UTF-8")
)

// Frame format: [Length (2 bytes, big-endian)][UTF-8 payload (Length bytes)]
//
// This is the layout produced by Java's DataOutputStream.writeUTF for text
// that contains no NUL and no supplementary characters, so legacy clients can
// talk to the server unchanged.

// AppendFrame appends the encoded frame for payload to dst.
func AppendFrame(dst []byte, payload string) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	if !utf8.ValidString(payload) {
		return dst, ErrInvalidUTF8
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// EncodeFrame writes a single frame to the writer. The length prefix and the
// payload are written with one Write call so that a frame is never split
// across two writes of a shared connection.
func EncodeFrame(w io.Writer, payload string) error {
	buf, err := AppendFrame(make([]byte, 0, headerSize+len(payload)), payload)
	if err != nil {
		return err
	}

	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// DecodeFrame reads one frame from the reader and returns its payload.
// A clean EOF before the length prefix is returned as io.EOF; a connection
// that closes mid-frame yields io.ErrUnexpectedEOF.
func DecodeFrame(r io.Reader) (string, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}

	length := binary.BigEndian.Uint16(header[:])
	if length == 0 {
		return "", nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	if !utf8.Valid(payload) {
		return "", ErrInvalidUTF8
	}

	return string(payload), nil
}

// EncodeToBytes encodes a frame into a new byte slice. Used to encode a
// broadcast once and write the same bytes to every recipient.
func EncodeToBytes(payload string) ([]byte, error) {
	return AppendFrame(nil, payload)
}

// DecodeFromBytes decodes a single frame from a byte slice
func DecodeFromBytes(data []byte) (string, error) {
	return DecodeFrame(bytes.NewReader(data))
}
