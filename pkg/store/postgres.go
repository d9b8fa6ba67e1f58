// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/message"
	"github.com/santemesh/hie/pkg/util/log"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS bodies (
    id               TEXT PRIMARY KEY,
    body_class_name  TEXT NOT NULL,
    content_type     TEXT NOT NULL,
    content_encoding TEXT NOT NULL DEFAULT '',
    content_size     INTEGER NOT NULL,
    raw_content      BYTEA NOT NULL,
    hl7_message_type TEXT NOT NULL DEFAULT '',
    hl7_control_id   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS headers (
    id                 TEXT PRIMARY KEY,
    project_id         TEXT NOT NULL DEFAULT '',
    session_id         TEXT NOT NULL,
    correlation_id     TEXT NOT NULL,
    sequence_num       BIGINT NOT NULL DEFAULT 0,
    source_config_name TEXT NOT NULL DEFAULT '',
    target_config_name TEXT NOT NULL DEFAULT '',
    message_type       TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL,
    received_at        TIMESTAMPTZ NOT NULL,
    completed_at       TIMESTAMPTZ,
    latency_ms         BIGINT NOT NULL DEFAULT 0,
    body_id            TEXT NOT NULL REFERENCES bodies(id),
    ack_content        BYTEA,
    error_message      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_headers_received ON headers (received_at);
CREATE INDEX IF NOT EXISTS idx_headers_session ON headers (session_id);
CREATE INDEX IF NOT EXISTS idx_headers_status ON headers (status);
CREATE INDEX IF NOT EXISTS idx_headers_source ON headers (source_config_name);
CREATE INDEX IF NOT EXISTS idx_headers_target ON headers (target_config_name);
CREATE INDEX IF NOT EXISTS idx_headers_type ON headers (message_type);
CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS project_items (
    project_id TEXT NOT NULL REFERENCES projects(id),
    name       TEXT NOT NULL,
    class_name TEXT NOT NULL,
    item_type  TEXT NOT NULL,
    pool_size  INTEGER NOT NULL DEFAULT 1,
    enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    category   TEXT NOT NULL DEFAULT '',
    settings   JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (project_id, name)
);
CREATE TABLE IF NOT EXISTS project_connections (
    project_id TEXT NOT NULL REFERENCES projects(id),
    source     TEXT NOT NULL,
    target     TEXT NOT NULL,
    PRIMARY KEY (project_id, source, target)
);
CREATE TABLE IF NOT EXISTS project_routing_rules (
    project_id  TEXT NOT NULL REFERENCES projects(id),
    name        TEXT NOT NULL,
    source      TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    condition   TEXT NOT NULL DEFAULT '',
    action      TEXT NOT NULL DEFAULT 'send',
    targets     TEXT NOT NULL DEFAULT '',
    transform   TEXT NOT NULL DEFAULT '',
    ordered     BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (project_id, name)
);
`

// PGOptions configure the postgres backend.
type PGOptions struct {
	DSN              string
	CompressMinBytes int
}

// PGStore is the relational backend. The same database also holds the
// project tables the management layer edits; LoadProject turns them back
// into a deployable production.
type PGStore struct {
	db          *sqlx.DB
	compressMin int
	seenBodies  *gocache.Cache
}

// OpenPG connects, retrying the initial ping, and ensures the schema.
func OpenPG(ctx context.Context, opts PGOptions) (*PGStore, error) {
	if opts.CompressMinBytes == 0 {
		opts.CompressMinBytes = DefaultCompressMinBytes
	}
	db, err := sqlx.Open("postgres", opts.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "store: open postgres")
	}

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("store | postgres ping attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: postgres unreachable")
	}

	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: ensure schema")
	}
	return &PGStore{
		db:          db,
		compressMin: opts.CompressMinBytes,
		seenBodies:  gocache.New(30*time.Minute, 10*time.Minute),
	}, nil
}

// StoreHeader persists one leg with content-addressed body reuse.
func (s *PGStore) StoreHeader(ctx context.Context, leg Leg) (string, error) {
	if leg.ID == "" {
		leg.ID = uuid.New().String()
	}
	if leg.ReceivedAt.IsZero() {
		leg.ReceivedAt = time.Now().UTC()
	}
	body := newBody(leg, s.compressMin)

	if _, cached := s.seenBodies.Get(body.ID); !cached {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bodies (id, body_class_name, content_type, content_encoding, content_size, raw_content, hl7_message_type, hl7_control_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			body.ID, body.BodyClassName, body.ContentType, body.ContentEncoding,
			body.ContentSize, body.RawContent, body.HL7Type, body.HL7ControlID)
		if err != nil {
			return "", errors.Wrap(err, "store: insert body")
		}
		s.seenBodies.SetDefault(body.ID, struct{}{})
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO headers (id, project_id, session_id, correlation_id, sequence_num,
			source_config_name, target_config_name, message_type, status, received_at, body_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		leg.ID, leg.ProjectID, leg.SessionID, leg.CorrelationID, leg.SequenceNum,
		leg.SourceConfig, leg.TargetConfig, leg.MessageType, string(leg.Status),
		leg.ReceivedAt, body.ID)
	if err != nil {
		return "", errors.Wrap(err, "store: insert header")
	}
	return leg.ID, nil
}

// UpdateStatus records the new status and, for terminal states, completion
// time and latency.
func (s *PGStore) UpdateStatus(ctx context.Context, id string, status message.Status, ack []byte, errMsg string) error {
	terminal := status.Terminal() || status == message.StatusError
	res, err := s.db.ExecContext(ctx, `
		UPDATE headers SET
			status = $2,
			ack_content = COALESCE($3, ack_content),
			error_message = $4,
			completed_at = CASE WHEN $5 THEN NOW() ELSE completed_at END,
			latency_ms = CASE WHEN $5 THEN EXTRACT(EPOCH FROM (NOW() - received_at)) * 1000 ELSE latency_ms END
		WHERE id = $1`,
		id, string(status), ack, errMsg, terminal)
	if err != nil {
		return errors.Wrap(err, "store: update status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID returns one header.
func (s *PGStore) GetByID(ctx context.Context, id string) (Header, error) {
	var h Header
	err := s.db.GetContext(ctx, &h, `SELECT * FROM headers WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return Header{}, ErrNotFound
	}
	return h, errors.Wrap(err, "store: get header")
}

// GetContent returns the decoded payload of a header's body.
func (s *PGStore) GetContent(ctx context.Context, id string) ([]byte, error) {
	var b Body
	err := s.db.GetContext(ctx, &b, `
		SELECT b.* FROM bodies b JOIN headers h ON h.body_id = b.id WHERE h.id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: get content")
	}
	return b.content()
}

// ListByProject returns a filtered page, newest first, with the total count.
func (s *PGStore) ListByProject(ctx context.Context, projectID string, f Filters, limit, offset int) ([]Header, int, error) {
	where := "WHERE ($1 = '' OR project_id = $1)"
	args := []interface{}{projectID}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		where += " AND " + cond
	}
	if f.Status != "" {
		add("status = $"+itoa(len(args)+1), string(f.Status))
	}
	if f.ItemName != "" {
		n := itoa(len(args) + 1)
		add("(source_config_name = $"+n+" OR target_config_name = $"+n+")", f.ItemName)
	}
	if f.MessageType != "" {
		add("message_type = $"+itoa(len(args)+1), f.MessageType)
	}
	switch f.Direction {
	case "inbound":
		where += " AND target_config_name = ''"
	case "outbound":
		where += " AND target_config_name <> ''"
	}
	if !f.Since.IsZero() {
		add("received_at >= $"+itoa(len(args)+1), f.Since)
	}
	if !f.Until.IsZero() {
		add("received_at <= $"+itoa(len(args)+1), f.Until)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM headers "+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, "store: count headers")
	}

	query := "SELECT * FROM headers " + where + " ORDER BY received_at DESC"
	if limit > 0 {
		query += " LIMIT " + itoa(limit)
	}
	if offset > 0 {
		query += " OFFSET " + itoa(offset)
	}
	var rows []Header
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, errors.Wrap(err, "store: list headers")
	}
	return rows, total, nil
}

// Query runs the multi-field selector.
func (s *PGStore) Query(ctx context.Context, q MessageQuery) ([]Header, error) {
	where := "WHERE TRUE"
	var args []interface{}
	add := func(column string, val interface{}) {
		args = append(args, val)
		where += " AND " + column + " = $" + itoa(len(args))
	}
	if q.SessionID != "" {
		add("session_id", q.SessionID)
	}
	if q.CorrelationID != "" {
		add("correlation_id", q.CorrelationID)
	}
	if q.SourceConfig != "" {
		add("source_config_name", q.SourceConfig)
	}
	if q.TargetConfig != "" {
		add("target_config_name", q.TargetConfig)
	}
	if q.Status != "" {
		add("status", string(q.Status))
	}
	if q.MessageType != "" {
		add("message_type", q.MessageType)
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		where += " AND received_at >= $" + itoa(len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		where += " AND received_at <= $" + itoa(len(args))
	}

	order := " ORDER BY received_at"
	if q.OrderDesc {
		order += " DESC"
	}
	query := "SELECT * FROM headers " + where + order
	if q.Limit > 0 {
		query += " LIMIT " + itoa(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + itoa(q.Offset)
	}
	var rows []Header
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "store: query headers")
	}
	return rows, nil
}

// DeleteOlderThan removes stale headers and unreferenced bodies.
func (s *PGStore) DeleteOlderThan(ctx context.Context, days int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM headers WHERE received_at < NOW() - ($1 || ' days')::interval`, days)
	if err != nil {
		return 0, errors.Wrap(err, "store: delete stale headers")
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM bodies WHERE NOT EXISTS (SELECT 1 FROM headers WHERE headers.body_id = bodies.id)`); err != nil {
		return int(n), errors.Wrap(err, "store: delete orphan bodies")
	}
	s.seenBodies.Flush()
	return int(n), nil
}

// Stats reports row counts and stored body bytes.
func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st.Headers, `SELECT COUNT(*) FROM headers`); err != nil {
		return st, errors.Wrap(err, "store: stats")
	}
	row := s.db.QueryRowxContext(ctx, `SELECT COUNT(*), COALESCE(SUM(content_size), 0) FROM bodies`)
	if err := row.Scan(&st.Bodies, &st.BodyBytes); err != nil {
		return st, errors.Wrap(err, "store: stats")
	}
	return st, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error { return s.db.Close() }

func itoa(n int) string { return strconv.Itoa(n) }

// LoadProject reads the persisted configuration the management layer edits
// and returns it as a deployable production.
func (s *PGStore) LoadProject(ctx context.Context, projectID string) (*config.Production, error) {
	p := &config.Production{}
	err := s.db.QueryRowxContext(ctx,
		`SELECT name, description FROM projects WHERE id = $1`, projectID).
		Scan(&p.Name, &p.Description)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: load project")
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT name, class_name, item_type, pool_size, enabled, category, settings
		FROM project_items WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "store: load project items")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it           config.Item
			itemType     string
			enabled      bool
			settingsJSON []byte
		)
		if err := rows.Scan(&it.Name, &it.ClassName, &itemType, &it.PoolSize, &enabled, &it.Category, &settingsJSON); err != nil {
			return nil, errors.Wrap(err, "store: scan project item")
		}
		it.Type = config.ItemType(itemType)
		it.Enabled = &enabled
		it.Settings = make(config.SettingsBag)
		if len(settingsJSON) > 0 {
			var bag map[string]map[string]string
			if err := json.Unmarshal(settingsJSON, &bag); err != nil {
				return nil, errors.Wrapf(err, "store: item %s settings", it.Name)
			}
			it.Settings = bag
		}
		p.Items = append(p.Items, it)
	}

	ruleRows, err := s.db.QueryxContext(ctx, `
		SELECT name, source, priority, enabled, condition, action, targets, transform, ordered
		FROM project_routing_rules WHERE project_id = $1 ORDER BY priority DESC, name`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "store: load project rules")
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var (
			r       config.Route
			enabled bool
			targets string
		)
		if err := ruleRows.Scan(&r.Name, &r.Source, &r.Priority, &enabled, &r.Condition, &r.Action, &targets, &r.Transform, &r.Ordered); err != nil {
			return nil, errors.Wrap(err, "store: scan project rule")
		}
		r.Enabled = &enabled
		r.Targets = config.TargetNames(targets)
		p.Routes = append(p.Routes, r)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
