// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/santemesh/hie/pkg/message"
)

const (
	headerPrefix = "header:"
	bodyPrefix   = "body:"
)

// BuntOptions configure the embedded backend.
type BuntOptions struct {
	// Path is the database file; ":memory:" keeps everything in RAM.
	Path             string
	CompressMinBytes int
}

// BuntStore is the embedded default backend: one buntdb file holding
// header and body records as JSON, with a received-at index for ordered
// listings.
type BuntStore struct {
	db          *buntdb.DB
	compressMin int
	// seenBodies short-circuits the body exists-check per content hash.
	seenBodies *gocache.Cache
}

// OpenBunt opens (or creates) the embedded store.
func OpenBunt(opts BuntOptions) (*BuntStore, error) {
	if opts.Path == "" {
		opts.Path = ":memory:"
	}
	if opts.CompressMinBytes == 0 {
		opts.CompressMinBytes = DefaultCompressMinBytes
	}
	db, err := buntdb.Open(opts.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open buntdb %s", opts.Path)
	}
	if err := db.CreateIndex("received", headerPrefix+"*", buntdb.IndexJSON("received_at")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, errors.Wrap(err, "store: create index")
	}
	return &BuntStore{
		db:          db,
		compressMin: opts.CompressMinBytes,
		seenBodies:  gocache.New(30*time.Minute, 10*time.Minute),
	}, nil
}

// StoreHeader persists one leg, reusing the body row when the same payload
// was stored before.
func (s *BuntStore) StoreHeader(_ context.Context, leg Leg) (string, error) {
	if leg.ID == "" {
		leg.ID = uuid.New().String()
	}
	if leg.ReceivedAt.IsZero() {
		leg.ReceivedAt = time.Now().UTC()
	}
	body := newBody(leg, s.compressMin)
	h := Header{
		ID:            leg.ID,
		ProjectID:     leg.ProjectID,
		SessionID:     leg.SessionID,
		CorrelationID: leg.CorrelationID,
		SequenceNum:   leg.SequenceNum,
		SourceConfig:  leg.SourceConfig,
		TargetConfig:  leg.TargetConfig,
		MessageType:   leg.MessageType,
		Status:        string(leg.Status),
		ReceivedAt:    leg.ReceivedAt,
		BodyID:        body.ID,
	}

	headerJSON, err := json.Marshal(h)
	if err != nil {
		return "", errors.Wrap(err, "store: encode header")
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		if _, cached := s.seenBodies.Get(body.ID); !cached {
			if _, err := tx.Get(bodyPrefix + body.ID); err == buntdb.ErrNotFound {
				bodyJSON, err := json.Marshal(body)
				if err != nil {
					return err
				}
				if _, _, err := tx.Set(bodyPrefix+body.ID, string(bodyJSON), nil); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
		_, _, err := tx.Set(headerPrefix+h.ID, string(headerJSON), nil)
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "store: store header")
	}
	s.seenBodies.SetDefault(body.ID, struct{}{})
	return h.ID, nil
}

// UpdateStatus moves a header to a new status, recording the ACK content,
// error text, completion time and latency for terminal states.
func (s *BuntStore) UpdateStatus(_ context.Context, id string, status message.Status, ack []byte, errMsg string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(headerPrefix + id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var h Header
		if err := json.Unmarshal([]byte(val), &h); err != nil {
			return err
		}
		h.Status = string(status)
		if len(ack) > 0 {
			h.AckContent = ack
		}
		h.ErrorMessage = errMsg
		if status.Terminal() || status == message.StatusError {
			now := time.Now().UTC()
			h.CompletedAt = &now
			h.LatencyMS = now.Sub(h.ReceivedAt).Milliseconds()
		}
		out, err := json.Marshal(h)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(headerPrefix+id, string(out), nil)
		return err
	})
}

// GetByID returns one header.
func (s *BuntStore) GetByID(_ context.Context, id string) (Header, error) {
	var h Header
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(headerPrefix + id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &h)
	})
	return h, err
}

// GetContent returns the decoded payload of a header's body.
func (s *BuntStore) GetContent(ctx context.Context, id string) ([]byte, error) {
	h, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var b Body
	err = s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(bodyPrefix + h.BodyID)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &b)
	})
	if err != nil {
		return nil, err
	}
	return b.content()
}

// ListByProject returns a filtered page of headers, newest first, plus the
// total match count.
func (s *BuntStore) ListByProject(_ context.Context, projectID string, f Filters, limit, offset int) ([]Header, int, error) {
	var matched []Header
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend("received", func(_, val string) bool {
			var h Header
			if json.Unmarshal([]byte(val), &h) != nil {
				return true
			}
			if projectID != "" && h.ProjectID != projectID {
				return true
			}
			if f.matches(h) {
				matched = append(matched, h)
			}
			return true
		})
	})
	if err != nil {
		return nil, 0, err
	}
	total := len(matched)
	page := paginate(matched, limit, offset)
	return page, total, nil
}

// Query runs the multi-field selector.
func (s *BuntStore) Query(_ context.Context, q MessageQuery) ([]Header, error) {
	var matched []Header
	collect := func(_, val string) bool {
		var h Header
		if json.Unmarshal([]byte(val), &h) != nil {
			return true
		}
		if q.matches(h) {
			matched = append(matched, h)
		}
		return true
	}
	err := s.db.View(func(tx *buntdb.Tx) error {
		if q.OrderDesc {
			return tx.Descend("received", collect)
		}
		return tx.Ascend("received", collect)
	})
	if err != nil {
		return nil, err
	}
	return paginate(matched, q.Limit, q.Offset), nil
}

func paginate(rows []Header, limit, offset int) []Header {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// DeleteOlderThan removes headers older than the retention window and any
// body no remaining header references. Returns the number of headers
// removed.
func (s *BuntStore) DeleteOlderThan(_ context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted := 0
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var stale []string
		referenced := make(map[string]struct{})
		err := tx.Ascend("received", func(key, val string) bool {
			var h Header
			if json.Unmarshal([]byte(val), &h) != nil {
				return true
			}
			if h.ReceivedAt.Before(cutoff) {
				stale = append(stale, key)
			} else {
				referenced[h.BodyID] = struct{}{}
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
			deleted++
		}

		var orphans []string
		err = tx.AscendKeys(bodyPrefix+"*", func(key, _ string) bool {
			if _, ok := referenced[key[len(bodyPrefix):]]; !ok {
				orphans = append(orphans, key)
			}
			return true
		})
		if err != nil {
			return err
		}
		sort.Strings(orphans)
		for _, key := range orphans {
			if _, err := tx.Delete(key); err != nil {
				return err
			}
			s.seenBodies.Delete(key[len(bodyPrefix):])
		}
		return nil
	})
	return deleted, err
}

// Stats reports row counts and stored body bytes.
func (s *BuntStore) Stats(_ context.Context) (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *buntdb.Tx) error {
		if err := tx.AscendKeys(headerPrefix+"*", func(_, _ string) bool {
			st.Headers++
			return true
		}); err != nil {
			return err
		}
		return tx.AscendKeys(bodyPrefix+"*", func(_, val string) bool {
			st.Bodies++
			var b Body
			if json.Unmarshal([]byte(val), &b) == nil {
				st.BodyBytes += int64(len(b.RawContent))
			}
			return true
		})
	})
	return st, err
}

// Close releases the database file.
func (s *BuntStore) Close() error { return s.db.Close() }
