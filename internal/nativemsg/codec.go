// Package nativemsg speaks the browser native messaging protocol: each
// message is a 32-bit length in native byte order followed by UTF-8 JSON.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize is the largest frame accepted in either direction.
const MaxMessageSize = 1 << 20

// ErrMessageTooLarge is returned for frames above MaxMessageSize.
var ErrMessageTooLarge = errors.New("nativemsg: message too large")

// ReadFrame reads one length-prefixed frame. An oversized payload is
// discarded so the stream stays aligned on the next frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.NativeEndian.Uint32(header[:])
	if size > MaxMessageSize {
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as a single length-prefixed frame
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.NativeEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	_, err := w.Write(frame)
	return err
}

// Decoder reads JSON messages from a frame stream
type Decoder struct {
	r io.Reader
}

// NewDecoder creates a new decoder
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next frame into v. A frame that is not valid JSON is
// consumed and reported as a *json.SyntaxError or similar.
func (d *Decoder) Decode(v any) error {
	payload, err := ReadFrame(d.r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// Encoder writes JSON messages as frames. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates a new encoder
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v as one frame
func (e *Encoder) Encode(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return WriteFrame(e.w, payload)
}
