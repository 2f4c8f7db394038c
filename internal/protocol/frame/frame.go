package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 14

	// Version is the wire version written by Encode when the caller leaves it zero.
	Version uint16 = 0x0001

	ExtResponse uint16 = 0x0001
)

var (
	ErrIncomplete      = errors.New("frame: incomplete")
	ErrLengthTooSmall  = errors.New("frame: length smaller than header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed 14-byte wire header.
type Header struct {
	Length     uint32
	Version    uint16
	PacketType uint16
	Seq        uint32
	Ext        uint16
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// IsResponse reports whether the response ext bit is set.
func (f Frame) IsResponse() bool {
	return f.Header.Ext&ExtResponse != 0
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 32 * 1024 * 1024,
	}
}

// Encode writes the header followed by the payload. Length is always recomputed.
func Encode(f Frame) []byte {
	h := f.Header
	if h.Version == 0 {
		h.Version = Version
	}
	h.Length = uint32(HeaderLen + len(f.Payload))
	buf := make([]byte, HeaderLen+len(f.Payload))
	putHeader(buf, h)
	copy(buf[HeaderLen:], f.Payload)
	return buf
}

// Decode parses one frame from the front of buf. It returns ErrIncomplete when
// buf does not yet hold a whole frame; the caller must keep the bytes and retry
// once more arrive. On success consumed equals Header.Length.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderLen {
		return Frame{}, 0, ErrIncomplete
	}
	h := DecodeHeader(buf[:HeaderLen])
	if h.Length < HeaderLen {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrLengthTooSmall, h.Length)
	}
	if uint64(len(buf)) < uint64(h.Length) {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, int(h.Length)-HeaderLen)
	copy(payload, buf[HeaderLen:h.Length])
	return Frame{Header: h, Payload: payload}, int(h.Length), nil
}

func DecodeHeader(b []byte) Header {
	return Header{
		Length:     binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		PacketType: binary.BigEndian.Uint16(b[6:8]),
		Seq:        binary.BigEndian.Uint32(b[8:12]),
		Ext:        binary.BigEndian.Uint16(b[12:14]),
	}
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.PacketType)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint16(buf[12:14], h.Ext)
}

// Reader pulls frames off a byte stream, carrying partial frames between reads.
type Reader struct {
	r      io.Reader
	limits Limits
	buf    []byte
	chunk  []byte
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:      bufio.NewReader(r),
		limits: limits,
		chunk:  make([]byte, 32*1024),
	}
}

// ReadFrame blocks until one frame is available or the stream fails.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		if err := r.checkLimit(); err != nil {
			return Frame{}, err
		}
		f, n, err := Decode(r.buf)
		switch {
		case err == nil:
			r.buf = r.buf[n:]
			if len(r.buf) == 0 {
				r.buf = nil
			}
			return f, nil
		case !errors.Is(err, ErrIncomplete):
			return Frame{}, err
		}
		read, err := r.r.Read(r.chunk)
		if read > 0 {
			r.buf = append(r.buf, r.chunk[:read]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(r.buf) > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}

// checkLimit rejects the buffered frame once its header is readable, whether
// or not the payload has fully arrived.
func (r *Reader) checkLimit() error {
	if len(r.buf) < HeaderLen {
		return nil
	}
	h := DecodeHeader(r.buf[:HeaderLen])
	if h.Length < HeaderLen {
		return nil
	}
	if h.Length-HeaderLen > r.limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.Length-HeaderLen, r.limits.MaxPayloadBytes)
	}
	return nil
}

// WriteFrame encodes f onto w after enforcing limits.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(Encode(f))
	return err
}
