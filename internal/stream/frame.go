// Package stream implements the three-stage remote execution pipeline:
// a transmitter serializes a job and its private data dir onto a byte
// stream, a worker executes the job and streams results back, and a
// processor reassembles those results into local artifacts.
//
// The wire format is a sequence of framed messages. Each frame is a
// 4-byte big-endian length followed by a zstd-compressed body; the
// first body byte is a tag, the rest is the payload (JSON for control
// frames, raw tar bytes for directory chunks). Any byte stream that
// delivers frames in order can carry the pipeline, so the stages
// compose over pipes, sockets, or files. A stream that ends without
// its end-of-stream frame is truncated, never silently complete.
package stream

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Tag identifies a frame's payload.
type Tag byte

const (
	// TagJob opens a transmit stream: the job header.
	TagJob Tag = 'J'
	// TagDir announces a directory transfer; TagChunk frames with the
	// tar bytes follow, ended by an empty TagChunk.
	TagDir   Tag = 'D'
	TagChunk Tag = 'C'
	// TagStatus and TagEvent carry results from a worker back.
	TagStatus Tag = 'S'
	TagEvent  Tag = 'E'
	// TagEOF cleanly ends a stream. Its absence means truncation.
	TagEOF Tag = 'Z'
)

// maxFrameSize bounds a single decompressed frame. Directory payloads
// are chunked well below this; anything larger is a corrupt or hostile
// stream.
const maxFrameSize = 16 << 20

// ErrTruncated reports a stream that ended before its TagEOF frame.
var ErrTruncated = errors.New("stream: truncated before end-of-stream frame")

// JobHeader is the TagJob payload: everything a worker needs to run
// the job against the transferred private data dir.
type JobHeader struct {
	Ident            string            `json:"ident"`
	Command          []string          `json:"command"`
	Env              map[string]string `json:"env,omitempty"`
	IdleTimeoutSecs  int               `json:"idle_timeout,omitempty"`
	JobTimeoutSecs   int               `json:"job_timeout,omitempty"`
	KeepaliveSecs    int               `json:"keepalive_seconds,omitempty"`
	SuppressOutput   bool              `json:"suppress_output,omitempty"`
	RotateArtifacts  int               `json:"rotate_artifacts,omitempty"`
}

// StatusMsg is the TagStatus payload.
type StatusMsg struct {
	Ident  string `json:"ident"`
	Status string `json:"status"`
	RC     int    `json:"rc"`
}

// DirHeader is the TagDir payload.
type DirHeader struct {
	Name string `json:"name"`
}

// Encoder writes frames. Not safe for concurrent use; callers that
// interleave producers hold their own lock.
type Encoder struct {
	w io.Writer
	z *zstd.Encoder
}

func NewEncoder(w io.Writer) (*Encoder, error) {
	z, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &Encoder{w: w, z: z}, nil
}

// Encode writes one frame.
func (e *Encoder) Encode(tag Tag, payload []byte) error {
	body := make([]byte, 1+len(payload))
	body[0] = byte(tag)
	copy(body[1:], payload)
	comp := e.z.EncodeAll(body, make([]byte, 0, len(body)/2+16))

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(comp)))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("stream: write frame header: %w", err)
	}
	if _, err := e.w.Write(comp); err != nil {
		return fmt.Errorf("stream: write frame body: %w", err)
	}
	return nil
}

// EncodeJSON writes one frame with a JSON payload.
func (e *Encoder) EncodeJSON(tag Tag, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal %c frame: %w", tag, err)
	}
	return e.Encode(tag, payload)
}

// Close releases the compressor. The underlying writer is the
// caller's.
func (e *Encoder) Close() error {
	return e.z.Close()
}

// Decoder reads frames.
type Decoder struct {
	r io.Reader
	z *zstd.Decoder
}

func NewDecoder(r io.Reader) (*Decoder, error) {
	z, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &Decoder{r: r, z: z}, nil
}

// Next returns the next frame. io.EOF at a frame boundary means the
// byte stream ended; whether that is legitimate depends on whether a
// TagEOF frame was already seen, which is the caller's bookkeeping. A
// stream ending mid-frame returns io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Tag, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, io.ErrUnexpectedEOF
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > maxFrameSize {
		return 0, nil, fmt.Errorf("stream: frame size %d out of range", size)
	}
	comp := make([]byte, size)
	if _, err := io.ReadFull(d.r, comp); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}
	body, err := d.z.DecodeAll(comp, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("stream: decompress frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return 0, nil, fmt.Errorf("stream: frame expands past limit")
	}
	if len(body) == 0 {
		return 0, nil, errors.New("stream: empty frame body")
	}
	return Tag(body[0]), body[1:], nil
}

// Close releases the decompressor.
func (d *Decoder) Close() {
	d.z.Close()
}
