package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the default maximum accepted frame length (64 MiB),
// matching spec §4.1.
const DefaultMaxFrameSize = 64 * 1024 * 1024

// FrameReader reads length-prefixed envelopes from an io.Reader.
type FrameReader struct {
	r       *bufio.Reader
	maxSize uint32
}

// NewFrameReader wraps r with the default maximum frame size.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderSize(r, DefaultMaxFrameSize)
}

// NewFrameReaderSize wraps r with an explicit maximum frame size.
func NewFrameReaderSize(r io.Reader, maxSize int) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r), maxSize: uint32(maxSize)}
}

// ReadEnvelope reads one length-prefixed frame and decodes it. A frame whose
// declared length exceeds the configured maximum is a protocol error: the
// caller should close the edge.
func (fr *FrameReader) ReadEnvelope() (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > fr.maxSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, fr.maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}

// FrameWriter writes length-prefixed envelopes to an io.Writer.
type FrameWriter struct {
	w       io.Writer
	maxSize uint32
}

// NewFrameWriter wraps w with the default maximum frame size.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterSize(w, DefaultMaxFrameSize)
}

// NewFrameWriterSize wraps w with an explicit maximum frame size.
func NewFrameWriterSize(w io.Writer, maxSize int) *FrameWriter {
	return &FrameWriter{w: w, maxSize: uint32(maxSize)}
}

// WriteEnvelope encodes and writes one length-prefixed frame.
func (fw *FrameWriter) WriteEnvelope(e *Envelope) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	if uint32(len(payload)) > fw.maxSize {
		return fmt.Errorf("encoded envelope length %d exceeds maximum %d", len(payload), fw.maxSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = fw.w.Write(payload)
	return err
}
