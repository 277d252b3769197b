package spill_test

import (
	"bytes"
	"testing"

	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/spill"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := spill.NewWriter(&buf)

	batch1 := []message.Message{{ID: 30, Raw: "c"}, {ID: 10, Raw: "a"}, {ID: 20, Raw: "b"}}
	batch2 := []message.Message{{ID: 50, Raw: "e"}, {ID: 40, Raw: "d"}}

	if err := w.WriteBatch(batch1); err != nil {
		t.Fatalf("write batch1: %v", err)
	}
	if err := w.WriteBatch(batch2); err != nil {
		t.Fatalf("write batch2: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := spill.NewReader(&buf)

	got1, ok, err := r.NextBatch()
	if err != nil || !ok {
		t.Fatalf("read batch1: ok=%v err=%v", ok, err)
	}
	wantIDs := []int64{10, 20, 30}
	for i, m := range got1 {
		if m.ID != wantIDs[i] {
			t.Fatalf("batch1[%d]: want id %d got %d (frame not sorted on decode)", i, wantIDs[i], m.ID)
		}
	}

	got2, ok, err := r.NextBatch()
	if err != nil || !ok {
		t.Fatalf("read batch2: ok=%v err=%v", ok, err)
	}
	if got2[0].ID != 40 || got2[1].ID != 50 {
		t.Fatalf("batch2 not sorted: %+v", got2)
	}

	_, ok, err = r.NextBatch()
	if ok || err != nil {
		t.Fatalf("expected clean EOF, got ok=%v err=%v", ok, err)
	}
}

func TestTruncatedTrailingFrameIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	w := spill.NewWriter(&buf)
	if err := w.WriteBatch([]message.Message{{ID: 1, Raw: "x"}}); err != nil {
		t.Fatal(err)
	}
	_ = w.Flush()

	full := buf.Bytes()
	truncated := append([]byte(nil), full[:len(full)-2]...) // chop off the tail

	r := spill.NewReader(bytes.NewReader(truncated))
	_, ok, err := r.NextBatch()
	if ok || err != nil {
		t.Fatalf("expected truncated frame to be silently skipped, got ok=%v err=%v", ok, err)
	}
}
