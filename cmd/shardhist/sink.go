package main

import (
	"context"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/ais-export/shardhist/internal/message"
	"github.com/ais-export/shardhist/internal/xerr"
)

// ndjsonSink writes one JSON object per line — the minimal archive format
// this CLI ships.
type ndjsonSink struct {
	mu sync.Mutex
	f  *os.File
}

func newNDJSONSink(path string) (*ndjsonSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, xerr.Wrap(err, "sink: create output file")
	}
	return &ndjsonSink{f: f}, nil
}

func (s *ndjsonSink) Close() error { return s.f.Close() }

func (s *ndjsonSink) Write(_ context.Context, msg message.Message) error {
	line, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(struct {
		ID  int64 `json:"id"`
		Raw any   `json:"raw"`
	}{ID: msg.ID, Raw: msg.Raw})
	if err != nil {
		return xerr.Wrap(err, "sink: marshal message")
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(line)
	return err
}
