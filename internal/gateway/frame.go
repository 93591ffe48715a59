package gateway

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// Op is a frame operation.
type Op uint8

const (
	OpEnqueue Op = 1
	OpReceive Op = 2
	OpAck     Op = 3
	OpError   Op = 4
	OpMessage Op = 5
	OpEmpty   Op = 6
)

func (o Op) String() string {
	switch o {
	case OpEnqueue:
		return "ENQUEUE"
	case OpReceive:
		return "RECEIVE"
	case OpAck:
		return "ACK"
	case OpError:
		return "ERROR"
	case OpMessage:
		return "MESSAGE"
	case OpEmpty:
		return "EMPTY"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

func (o Op) valid() bool {
	return o >= OpEnqueue && o <= OpEmpty
}

// Code is the reason carried by an ERROR frame.
type Code uint16

const (
	CodeNone               Code = 0
	CodeMalformedFrame     Code = 1
	CodeUnknownOperation   Code = 2
	CodeFrameTooLarge      Code = 3
	CodeInvalidDestination Code = 4
	CodeQueueFull          Code = 5
	CodeBackendUnavailable Code = 6
	CodeBackendFailure     Code = 7
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeMalformedFrame:
		return "malformed_frame"
	case CodeUnknownOperation:
		return "unknown_operation"
	case CodeFrameTooLarge:
		return "frame_too_large"
	case CodeInvalidDestination:
		return "invalid_destination"
	case CodeQueueFull:
		return "queue_full"
	case CodeBackendUnavailable:
		return "backend_unavailable"
	case CodeBackendFailure:
		return "backend_failure"
	default:
		return fmt.Sprintf("code(%d)", uint16(c))
	}
}

// Protocol reports whether the code ends the session.
func (c Code) Protocol() bool {
	return c >= CodeMalformedFrame && c <= CodeFrameTooLarge
}

const (
	// DefaultMaxFrameBytes bounds the length field of a frame.
	DefaultMaxFrameBytes = 1 << 20

	lengthPrefixSize = 4
	// op + code + timeoutMs + destination length + header count
	minBodySize = 1 + 2 + 4 + 2 + 2
	maxStr16    = math.MaxUint16
)

// HeaderMessageID carries the backend message id on ACK and MESSAGE frames.
const HeaderMessageID = "message-id"

// Frame is one request or response.
//
// Wire layout, big-endian:
//
//	length:u32 | op:u8 | code:u16 | timeoutMs:u32 | destination:str16 |
//	headerCount:u16 | {key:str16 value:str16}* | payload
//
// length counts the bytes after the length field; str16 is a u16 byte length
// followed by UTF-8 bytes.
type Frame struct {
	Op          Op
	Code        Code
	TimeoutMs   uint32
	Destination string
	Headers     map[string]string
	Payload     []byte
}

// ProtocolError is a framing violation. The gateway answers it with an ERROR
// frame and closes the session.
type ProtocolError struct {
	Code    Code
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

func malformed(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeMalformedFrame, Message: fmt.Sprintf(format, args...)}
}

// MarshalBinary encodes the frame including its length prefix.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Destination) > maxStr16 {
		return nil, fmt.Errorf("destination is %d bytes, limit %d", len(f.Destination), maxStr16)
	}
	if len(f.Headers) > maxStr16 {
		return nil, fmt.Errorf("%d headers, limit %d", len(f.Headers), maxStr16)
	}

	keys := make([]string, 0, len(f.Headers))
	size := minBodySize + len(f.Destination) + len(f.Payload)
	for k, v := range f.Headers {
		if len(k) > maxStr16 || len(v) > maxStr16 {
			return nil, fmt.Errorf("header %.32q exceeds %d bytes", k, maxStr16)
		}
		keys = append(keys, k)
		size += 4 + len(k) + len(v)
	}
	if uint64(size) > math.MaxUint32 {
		return nil, fmt.Errorf("frame of %d bytes cannot be encoded", size)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, lengthPrefixSize+size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = append(buf, byte(f.Op))
	buf = binary.BigEndian.AppendUint16(buf, uint16(f.Code))
	buf = binary.BigEndian.AppendUint32(buf, f.TimeoutMs)
	buf = appendStr16(buf, f.Destination)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendStr16(buf, k)
		buf = appendStr16(buf, f.Headers[k])
	}
	buf = append(buf, f.Payload...)
	return buf, nil
}

func appendStr16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// decodeBody parses everything after the length prefix.
func decodeBody(body []byte) (*Frame, error) {
	if len(body) < minBodySize {
		return nil, malformed("frame body is %d bytes, minimum %d", len(body), minBodySize)
	}

	d := decoder{buf: body}
	f := &Frame{
		Op:        Op(d.u8()),
		Code:      Code(d.u16()),
		TimeoutMs: d.u32(),
	}
	f.Destination = d.str16()

	count := int(d.u16())
	if count > 0 {
		f.Headers = make(map[string]string, count)
	}
	for i := 0; i < count && d.err == nil; i++ {
		k := d.str16()
		v := d.str16()
		f.Headers[k] = v
	}
	if d.err != nil {
		return nil, d.err
	}
	if rest := d.buf[d.off:]; len(rest) > 0 {
		f.Payload = append([]byte(nil), rest...)
	}

	if !f.Op.valid() {
		return nil, &ProtocolError{Code: CodeUnknownOperation, Message: fmt.Sprintf("unknown operation %d", uint8(f.Op))}
	}
	return f, nil
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)-d.off < n {
		d.err = malformed("truncated frame at offset %d", d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) str16() string {
	n := int(d.u16())
	return string(d.take(n))
}

// Reader reads frames from a stream.
type Reader struct {
	r        *bufio.Reader
	maxFrame uint32
}

// NewReader wraps r. maxFrame bounds the length field; zero selects
// DefaultMaxFrameBytes.
func NewReader(r io.Reader, maxFrame uint32) *Reader {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Reader{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// Wait blocks until the first byte of the next frame is available. It returns
// io.EOF when the stream ends cleanly.
func (r *Reader) Wait() error {
	_, err := r.r.Peek(1)
	return err
}

// ReadFrame returns the next frame. A clean end of stream before any byte
// of a frame returns io.EOF; framing violations return *ProtocolError.
func (r *Reader) ReadFrame() (*Frame, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("truncated length prefix")
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > r.maxFrame {
		return nil, &ProtocolError{
			Code:    CodeFrameTooLarge,
			Message: fmt.Sprintf("frame of %d bytes exceeds limit of %d", length, r.maxFrame),
		}
	}
	if length < minBodySize {
		return nil, malformed("frame body is %d bytes, minimum %d", length, minBodySize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read frame body: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return decodeBody(body)
}

// WriteFrame encodes f and writes it with a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
