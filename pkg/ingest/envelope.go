package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

var (
	ErrFrameSize = errors.New("frame length out of range")
	ErrShortRead = errors.New("connection closed mid-frame")
	ErrEnvelope  = errors.New("malformed envelope")
)

// Envelope carries a serialized note and the id its submitter claims for it.
//
// Wire layout (bincode, little endian):
//
//	u64 len | id (utf-8) | u64 len | payload
type Envelope struct {
	ID      string
	Payload []byte
}

func EncodeEnvelope(e Envelope) []byte {
	b := make([]byte, 0, 16+len(e.ID)+len(e.Payload))
	b = binary.LittleEndian.AppendUint64(b, uint64(len(e.ID)))
	b = append(b, e.ID...)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(e.Payload)))
	b = append(b, e.Payload...)
	return b
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	id, rest, err := readBytes(b, "id")
	if err != nil {
		return Envelope{}, err
	}
	if !utf8.Valid(id) {
		return Envelope{}, fmt.Errorf("%w: id is not valid utf-8", ErrEnvelope)
	}
	payload, rest, err := readBytes(rest, "payload")
	if err != nil {
		return Envelope{}, err
	}
	if len(rest) != 0 {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrEnvelope, len(rest))
	}
	return Envelope{ID: string(id), Payload: append([]byte(nil), payload...)}, nil
}

func readBytes(b []byte, field string) (val, rest []byte, err error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("%w: truncated %s length", ErrEnvelope, field)
	}
	n := binary.LittleEndian.Uint64(b)
	b = b[8:]
	if n > uint64(len(b)) {
		return nil, nil, fmt.Errorf("%w: %s length %d exceeds remaining %d bytes", ErrEnvelope, field, n, len(b))
	}
	return b[:n], b[n:], nil
}

// ReadFrame reads one length-prefixed frame. A clean close before the
// length prefix returns io.EOF.
func ReadFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	n, err := readFrameLength(r, maxBytes)
	if err != nil {
		return nil, err
	}
	return readFramePayload(r, n)
}

func readFrameLength(r io.Reader, maxBytes uint32) (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: partial length prefix", ErrShortRead)
		}
		return 0, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxBytes {
		return 0, fmt.Errorf("%w: %d (max %d)", ErrFrameSize, n, maxBytes)
	}
	return n, nil
}

func readFramePayload(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
		}
		return nil, err
	}
	return buf, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || uint64(len(payload)) > 1<<32-1 {
		return fmt.Errorf("%w: %d", ErrFrameSize, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
