package spill

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pierrec/lz4/v3"
	"github.com/tinylib/msgp/msgp"

	"github.com/ais-export/shardhist/internal/message"
)

// Reader decodes length-prefixed frames from one worker's spill file,
// truncation-tolerant: a short length prefix or a short payload silently
// ends the stream instead of erroring, since the last frame in a file still
// being written by its worker is expected to be incomplete.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReaderSize(r, 64*1024)} }

// NextBatch decodes and returns the next frame's messages, sorted by ID
// ascending — each frame was appended as fetched (backwards within its
// chunk), so sorting it on decode is what lets a caller stream messages out
// in ID order without buffering a whole file. Returns ok=false, err=nil once
// no further complete frame is available.
func (sr *Reader) NextBatch() (msgs []message.Message, ok bool, err error) {
	var hdr [4]byte
	n, err := io.ReadFull(sr.r, hdr[:])
	if err != nil || n < 4 {
		return nil, false, nil // truncated/absent header: stop, not an error
	}
	size := binary.BigEndian.Uint32(hdr[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(sr.r, payload); err != nil {
		return nil, false, nil // truncated trailing frame: stop
	}

	raw, err := decompress(payload)
	if err != nil {
		return nil, false, err
	}
	wmsgs, err := unmarshalBatch(raw)
	if err != nil {
		return nil, false, err
	}
	out := make([]message.Message, len(wmsgs))
	for i, wm := range wmsgs {
		var raw any
		_ = js.Unmarshal(wm.Raw, &raw)
		out[i] = message.Message{ID: wm.ID, Raw: raw}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, true, nil
}

func decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	flag, body := payload[0], payload[1:]
	if flag == 0 {
		return body, nil
	}
	// lz4 block decompression needs a size hint; we over-allocate and trust
	// UncompressBlock to report the actual length written.
	dst := make([]byte, len(body)*8+256)
	for {
		n, err := lz4.UncompressBlock(body, dst)
		if err == nil {
			return dst[:n], nil
		}
		if err == lz4.ErrInvalidSourceShortBuffer {
			dst = make([]byte, len(dst)*2)
			continue
		}
		return nil, err
	}
}

func unmarshalBatch(raw []byte) ([]wireMsg, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	r := msgp.NewReader(&bytesReader{buf: raw})
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]wireMsg, n)
	for i := range out {
		if err := out[i].decodeMsg(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type bytesReader struct {
	buf []byte
	pos int
}

func (b *bytesReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.buf) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.pos:])
	b.pos += n
	return n, nil
}
