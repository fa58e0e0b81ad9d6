// Package sink persists capture events to disk. Each category gets a
// JSONL stream; network transactions are additionally consolidated into a
// single JSON document and a HAR on close.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/webtap/webtap/internal/capture"
)

const (
	eventsFile       = "events.jsonl"
	transactionsFile = "transactions.json"
	harFile          = "capture.har"
)

// Writer streams capture events into a session directory:
//
//	<dir>/network/events.jsonl
//	<dir>/storage/events.jsonl
//	<dir>/window_properties/events.jsonl
//	<dir>/interaction/events.jsonl
//
// Close writes <dir>/network/transactions.json and <dir>/capture.har from
// the accumulated network stream.
type Writer struct {
	dir string
	log logrus.FieldLogger

	mu           sync.Mutex
	encoders     map[capture.Category]*json.Encoder
	files        []*os.File
	transactions []capture.NetworkTransactionEvent
	closed       bool
}

// NewWriter creates the session directory tree and opens one JSONL stream
// per category.
func NewWriter(dir string, log logrus.FieldLogger) (*Writer, error) {
	w := &Writer{
		dir:      dir,
		log:      log,
		encoders: make(map[capture.Category]*json.Encoder),
	}

	categories := []capture.Category{
		capture.CategoryNetwork,
		capture.CategoryStorage,
		capture.CategoryWindowProperties,
		capture.CategoryInteraction,
	}
	for _, category := range categories {
		sub := filepath.Join(dir, string(category))
		if err := os.MkdirAll(sub, 0o755); err != nil {
			w.closeFiles()
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
		f, err := os.Create(filepath.Join(sub, eventsFile))
		if err != nil {
			w.closeFiles()
			return nil, fmt.Errorf("create event stream: %w", err)
		}
		w.files = append(w.files, f)
		w.encoders[category] = json.NewEncoder(f)
	}
	return w, nil
}

// Dir returns the session directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Write appends one event to its category stream. Satisfies
// capture.EventFunc.
func (w *Writer) Write(category capture.Category, event any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer closed")
	}
	enc, ok := w.encoders[category]
	if !ok {
		return fmt.Errorf("unknown category %q", category)
	}

	if txn, ok := event.(capture.NetworkTransactionEvent); ok {
		w.transactions = append(w.transactions, txn)
	}
	return enc.Encode(event)
}

// Close flushes the consolidated transaction list and the HAR projection,
// then closes every stream. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.writeJSON(filepath.Join(w.dir, string(capture.CategoryNetwork), transactionsFile), w.transactions); err != nil {
		firstErr = err
	}
	if err := w.writeJSON(filepath.Join(w.dir, harFile), ProjectHAR(w.transactions, "")); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.closeFiles(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (w *Writer) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (w *Writer) closeFiles() error {
	var firstErr error
	for _, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.files = nil
	return firstErr
}
