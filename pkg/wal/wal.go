// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package wal implements the segmented write-ahead log that gives the engine
// at-least-once delivery across crashes. Records are append-only: an entry
// changes state by appending a superseding record, never by rewriting past
// bytes. On open the segments are replayed to rebuild the set of entries
// whose latest state is still Pending.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/santemesh/hie/pkg/metrics"
	"github.com/santemesh/hie/pkg/util/log"
)

// State of a WAL entry; the most recent record for an id wins.
type State string

// Entry states.
const (
	StatePending   State = "Pending"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
)

// SyncMode controls durability of appends.
type SyncMode string

// Sync modes.
const (
	SyncNone    SyncMode = "none"
	SyncAlways  SyncMode = "fsync"
	SyncBatched SyncMode = "fsync_batched"
)

// Entry is one logical WAL entry, reported in its latest state.
type Entry struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Timestamp  time.Time         `json:"timestamp"`
	State      State             `json:"state"`
	HostName   string            `json:"host_name"`
	MessageID  string            `json:"message_id"`
	Payload    []byte            `json:"payload,omitempty"`
	RetryCount int               `json:"retry_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Options configures a WAL.
type Options struct {
	SyncMode        SyncMode
	SegmentMaxBytes int64
	MaxRetries      int
	BatchInterval   time.Duration
	Clock           clock.Clock
}

// Defaults.
const (
	DefaultSegmentMaxBytes = 64 << 20
	DefaultMaxRetries      = 3
	DefaultBatchInterval   = 200 * time.Millisecond
)

func (o *Options) fill() {
	if o.SyncMode == "" {
		o.SyncMode = SyncBatched
	}
	if o.SegmentMaxBytes <= 0 {
		o.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = DefaultBatchInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

const segmentPrefix = "wal-"

// WAL is a single-writer segmented log. All mutation goes through one
// mutex; reads of the pending set copy under the same lock and never block
// on disk.
type WAL struct {
	dir  string
	opts Options

	mu        sync.Mutex
	active    *os.File
	activeLen int64
	nextSeq   uint64
	pending   map[string]Entry
	dirty     bool
	closed    bool

	stopBatch chan struct{}
	batchDone chan struct{}
}

// Open scans dir (created if missing), replays every segment in ascending
// sequence order and opens a fresh active segment. A torn record at the
// tail of the last segment is truncated with a warning; corruption anywhere
// else fails the open.
func Open(dir string, opts Options) (*WAL, error) {
	opts.fill()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "wal: create directory")
	}

	w := &WAL{
		dir:       dir,
		opts:      opts,
		pending:   make(map[string]Entry),
		stopBatch: make(chan struct{}),
		batchDone: make(chan struct{}),
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	for i, seg := range segments {
		if err := w.replaySegment(seg, i == len(segments)-1); err != nil {
			return nil, err
		}
	}

	// Rotating on open rewrites the live set into a fresh segment, which
	// lets every replayed segment (terminal or not) be deleted.
	if err := w.rotateLocked(); err != nil {
		return nil, err
	}

	if opts.SyncMode == SyncBatched {
		go w.batchSyncLoop()
	} else {
		close(w.batchDone)
	}

	metrics.TlmWalPending.Set(float64(len(w.pending)))
	return w, nil
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "wal: read directory")
	}
	var segments []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), segmentPrefix) && strings.HasSuffix(e.Name(), ".log") {
			segments = append(segments, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

// replaySegment folds one segment into the pending map. Records supersede
// earlier records with the same id.
func (w *WAL) replaySegment(path string, last bool) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "wal: open segment %s", path)
	}
	defer f.Close()

	offset := int64(0)
	for {
		rec, n, err := readRecord(f)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if !last {
				return errors.Wrapf(err, "wal: corrupt segment %s at offset %d", path, offset)
			}
			log.Warnf("wal | truncating torn tail of %s at offset %d: %v", path, offset, err)
			f.Close()
			return os.Truncate(path, offset)
		}
		w.applyRecord(rec)
		if rec.Sequence >= w.nextSeq {
			w.nextSeq = rec.Sequence + 1
		}
		offset += n
	}
}

func (w *WAL) applyRecord(rec Entry) {
	if rec.State == StatePending {
		w.pending[rec.ID] = rec
		return
	}
	delete(w.pending, rec.ID)
}

// rotateLocked opens a new active segment and rewrites the pending set into
// it, which lets every older segment be deleted.
func (w *WAL) rotateLocked() error {
	if w.active != nil {
		w.active.Sync()
		w.active.Close()
	}

	path := filepath.Join(w.dir, fmt.Sprintf(segmentPrefix+"%016d.log", w.nextSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "wal: open segment")
	}
	w.active = f
	w.activeLen = 0

	// Carry forward the live set so prior segments become disposable.
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return w.pending[ids[i]].Sequence < w.pending[ids[j]].Sequence })
	for _, id := range ids {
		e := w.pending[id]
		e.Sequence = w.nextSeq
		w.nextSeq++
		if err := w.writeRecordLocked(e); err != nil {
			return err
		}
		w.pending[id] = e
	}
	w.removeObsoleteLocked(path)
	return nil
}

func (w *WAL) removeObsoleteLocked(activePath string) {
	segments, err := listSegments(w.dir)
	if err != nil {
		return
	}
	for _, seg := range segments {
		if seg == activePath {
			continue
		}
		if err := os.Remove(seg); err != nil {
			log.Warnf("wal | could not remove rotated segment %s: %v", seg, err)
		}
	}
}

// Append records a new Pending entry for a message owned by hostName.
// The entry is durable before return unless SyncMode is none or batched.
func (w *WAL) Append(hostName, messageID string, payload []byte, md map[string]string) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Entry{}, errors.New("wal: closed")
	}

	e := Entry{
		ID:        uuid.New().String(),
		Sequence:  w.nextSeq,
		Timestamp: w.opts.Clock.Now().UTC(),
		State:     StatePending,
		HostName:  hostName,
		MessageID: messageID,
		Payload:   payload,
		Metadata:  md,
	}
	w.nextSeq++

	if err := w.appendLocked(e); err != nil {
		return Entry{}, err
	}
	w.pending[e.ID] = e
	metrics.TlmWalPending.Set(float64(len(w.pending)))
	return e, nil
}

// Complete marks an entry terminally done.
func (w *WAL) Complete(id string) error {
	return w.supersede(id, StateCompleted, 0)
}

// Fail marks a delivery attempt failed and reports whether the entry may be
// retried. While the retry budget holds the entry stays Pending with an
// incremented retry count; once exhausted it becomes terminally Failed.
func (w *WAL) Fail(id string, failure error) (bool, error) {
	w.mu.Lock()
	e, ok := w.pending[id]
	w.mu.Unlock()
	if !ok {
		return false, errors.Errorf("wal: unknown or terminal entry %s", id)
	}

	retries := e.RetryCount + 1
	if retries < w.opts.MaxRetries {
		if err := w.supersede(id, StatePending, retries); err != nil {
			return false, err
		}
		return true, nil
	}
	log.Warnf("wal | entry %s for message %s failed terminally after %d attempts: %v", id, e.MessageID, retries, failure)
	return false, w.supersede(id, StateFailed, retries)
}

func (w *WAL) supersede(id string, state State, retries int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wal: closed")
	}
	e, ok := w.pending[id]
	if !ok {
		return errors.Errorf("wal: unknown or terminal entry %s", id)
	}

	e.Sequence = w.nextSeq
	w.nextSeq++
	e.Timestamp = w.opts.Clock.Now().UTC()
	e.State = state
	e.RetryCount = retries

	if err := w.appendLocked(e); err != nil {
		return err
	}
	w.applyRecord(e)
	metrics.TlmWalPending.Set(float64(len(w.pending)))
	return nil
}

func (w *WAL) appendLocked(e Entry) error {
	if err := w.writeRecordLocked(e); err != nil {
		return err
	}
	switch w.opts.SyncMode {
	case SyncAlways:
		if err := w.active.Sync(); err != nil {
			return errors.Wrap(err, "wal: fsync")
		}
	case SyncBatched:
		w.dirty = true
	}
	if w.activeLen >= w.opts.SegmentMaxBytes {
		return w.rotateLocked()
	}
	return nil
}

func (w *WAL) writeRecordLocked(e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "wal: encode record")
	}
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(body))
	if _, err := w.active.Write(header); err != nil {
		return errors.Wrap(err, "wal: write record header")
	}
	if _, err := w.active.Write(body); err != nil {
		return errors.Wrap(err, "wal: write record body")
	}
	w.activeLen += int64(8 + len(body))
	return nil
}

func readRecord(r io.Reader) (Entry, int64, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Entry{}, 0, errors.New("truncated record header")
		}
		return Entry{}, 0, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if length > 64<<20 {
		return Entry{}, 0, errors.Errorf("implausible record length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, 0, errors.New("truncated record body")
	}
	if crc32.ChecksumIEEE(body) != sum {
		return Entry{}, 0, errors.New("record checksum mismatch")
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, 0, errors.Wrap(err, "decode record")
	}
	return e, int64(8 + length), nil
}

// GetPending returns every entry whose latest state is Pending, in sequence
// order.
func (w *WAL) GetPending() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.pending))
	for _, e := range w.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Pending returns the number of pending entries.
func (w *WAL) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *WAL) batchSyncLoop() {
	defer close(w.batchDone)
	ticker := w.opts.Clock.Ticker(w.opts.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if w.dirty && w.active != nil {
				if err := w.active.Sync(); err != nil {
					log.Errorf("wal | batched fsync failed: %v", err)
				}
				w.dirty = false
			}
			w.mu.Unlock()
		case <-w.stopBatch:
			return
		}
	}
}

// Close flushes and closes the active segment. The WAL rejects writes
// afterwards.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.opts.SyncMode == SyncBatched {
		close(w.stopBatch)
		<-w.batchDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		w.active.Sync()
		err := w.active.Close()
		w.active = nil
		return err
	}
	return nil
}
