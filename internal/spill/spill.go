// Package spill implements the SpillFrame wire format: a 4-byte
// big-endian length prefix followed by a one-byte flag (0 raw, 1 lz4) and a
// msgp-encoded batch of messages, lz4-compressed unless compression does not
// shrink it, written by exactly one worker and read by the
// OrderedMerger. Handwritten msgp (de)coding mirrors the pattern aistore's
// codegen produces for its own wire pages (xact/xs/lso.go's LsoResult),
// just without the codegen step since Message.Raw is opaque to this
// package.
package spill

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/tinylib/msgp/msgp"

	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/xerr"
)

var js = jsoniter.ConfigCompatibleWithStandardLibrary

// wireMsg is the on-disk representation of one message: the ID the merger
// sorts by, plus the opaque payload JSON-encoded since Message.Raw's
// concrete type is unknown to this package.
type wireMsg struct {
	ID  int64
	Raw []byte
}

func (m *wireMsg) encodeMsg(w *msgp.Writer) error {
	if err := w.WriteInt64(m.ID); err != nil {
		return err
	}
	return w.WriteBytes(m.Raw)
}

func (m *wireMsg) decodeMsg(r *msgp.Reader) error {
	id, err := r.ReadInt64()
	if err != nil {
		return err
	}
	raw, err := r.ReadBytes(nil)
	if err != nil {
		return err
	}
	m.ID, m.Raw = id, raw
	return nil
}

// Writer appends length-prefixed frames to one worker's spill file. Not
// safe for concurrent use — each worker owns exactly one Writer.
type Writer struct {
	w   *bufio.Writer
	buf []byte // scratch for the lz4-compressed payload
	sum uint64 // running XOR of every written frame's checksum
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: bufio.NewWriterSize(w, 64*1024)} }

// Checksum returns the XOR of every frame written so far — a cheap
// fingerprint a caller can log or compare run-to-run to notice a spill file
// silently corrupted between write and read.
func (sw *Writer) Checksum() uint64 { return sw.sum }

// WriteBatch serializes msgs as one msgp array, lz4-compresses it, and
// appends it as one length-prefixed frame. Messages within the batch need
// not be pre-sorted — the reader sorts per frame on decode.
func (sw *Writer) WriteBatch(msgs []message.Message) error {
	raw, err := marshalBatch(msgs)
	if err != nil {
		return xerr.Wrap(err, "spill: marshal batch")
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	var hashTable [1 << 16]int
	n, err := lz4.CompressBlock(raw, compressed, hashTable[:])
	if err != nil {
		return xerr.Wrap(err, "spill: compress frame")
	}
	if n == 0 || n >= len(raw) {
		// incompressible or tiny: store raw, flagged by a leading 0x00 byte
		compressed = append([]byte{0}, raw...)
	} else {
		compressed = append([]byte{1}, compressed[:n]...)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(compressed)))
	if _, err := sw.w.Write(hdr[:]); err != nil {
		return xerr.Wrap(err, "spill: write frame header")
	}
	if _, err := sw.w.Write(compressed); err != nil {
		return xerr.Wrap(err, "spill: write frame payload")
	}
	sw.sum ^= checksum(compressed)
	return nil
}

func (sw *Writer) Flush() error { return sw.w.Flush() }

func marshalBatch(msgs []message.Message) ([]byte, error) {
	wmsgs := make([]wireMsg, len(msgs))
	for i, m := range msgs {
		raw, err := js.Marshal(m.Raw)
		if err != nil {
			return nil, err
		}
		wmsgs[i] = wireMsg{ID: m.ID, Raw: raw}
	}

	var buf []byte
	w := msgp.NewWriter(bytesWriter{&buf})
	if err := w.WriteArrayHeader(uint32(len(wmsgs))); err != nil {
		return nil, err
	}
	for i := range wmsgs {
		if err := wmsgs[i].encodeMsg(w); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf, nil
}

// bytesWriter adapts a *[]byte to io.Writer without an extra bytes.Buffer
// allocation on the hot path.
type bytesWriter struct{ buf *[]byte }

func (b bytesWriter) Write(p []byte) (int, error) {
	*b.buf = append(*b.buf, p...)
	return len(p), nil
}

// checksum is a cheap frame fingerprint, folded into Writer.sum; it is not
// part of the on-disk format.
func checksum(b []byte) uint64 { return xxhash.Checksum64(b) }
