// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := Open(dir, Options{SyncMode: SyncNone})
	require.NoError(t, err)
	return w
}

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()

	var last uint64
	for i := 0; i < 10; i++ {
		e, err := w.Append("Host", "msg", []byte("payload"), nil)
		require.NoError(t, err)
		assert.Greater(t, e.Sequence, last)
		last = e.Sequence
	}
}

func TestCompleteRemovesFromPending(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()

	a, err := w.Append("Host", "m1", []byte("a"), nil)
	require.NoError(t, err)
	b, err := w.Append("Host", "m2", []byte("b"), nil)
	require.NoError(t, err)

	require.NoError(t, w.Complete(a.ID))
	pending := w.GetPending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, 1, w.Pending())
}

func TestFailRetriesThenTerminal(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{SyncMode: SyncNone, MaxRetries: 3})
	require.NoError(t, err)
	defer w.Close()

	e, err := w.Append("Host", "m1", []byte("a"), nil)
	require.NoError(t, err)

	cause := errors.New("downstream unavailable")
	retry, err := w.Fail(e.ID, cause)
	require.NoError(t, err)
	assert.True(t, retry)
	retry, err = w.Fail(e.ID, cause)
	require.NoError(t, err)
	assert.True(t, retry)

	// Third failure exhausts the budget.
	retry, err = w.Fail(e.ID, cause)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.Equal(t, 0, w.Pending())

	// Terminal entries cannot fail again.
	_, err = w.Fail(e.ID, cause)
	assert.Error(t, err)
}

func TestRecoveryReportsPendingOnly(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	a, err := w.Append("Host", "mA", []byte("a"), nil)
	require.NoError(t, err)
	b, err := w.Append("Host", "mB", []byte("b"), nil)
	require.NoError(t, err)
	c, err := w.Append("Host", "mC", []byte("c"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Complete(a.ID))
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, dir)
	defer w2.Close()

	pending := w2.GetPending()
	require.Len(t, pending, 2)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, c.ID, pending[1].ID)
	assert.Equal(t, "mB", pending[0].MessageID)
	assert.Equal(t, []byte("b"), pending[0].Payload)
}

func TestRecoveryAcrossTwoRestarts(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	b, err := w.Append("Host", "mB", []byte("b"), map[string]string{"target": "Out"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// First reopen rewrites the live set; a second reopen must still see it.
	w2 := openTestWAL(t, dir)
	require.Len(t, w2.GetPending(), 1)
	require.NoError(t, w2.Close())

	w3 := openTestWAL(t, dir)
	defer w3.Close()
	pending := w3.GetPending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, map[string]string{"target": "Out"}, pending[0].Metadata)
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	_, err := w.Append("Host", "m1", []byte("a"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 1)

	// Simulate a crash mid-write: chop the last few bytes of the segment.
	info, err := os.Stat(segments[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(segments[0], info.Size()-3))

	w2 := openTestWAL(t, dir)
	defer w2.Close()
	assert.Equal(t, 0, w2.Pending())
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, Options{SyncMode: SyncNone, SegmentMaxBytes: 512})
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 20; i++ {
		e, err := w.Append("Host", "m", make([]byte, 64), nil)
		require.NoError(t, err)
		require.NoError(t, w.Complete(e.ID))
	}

	// Rotation rewrites the (empty) live set, so old segments are removed.
	segments, err := listSegments(dir)
	require.NoError(t, err)
	assert.Len(t, segments, 1)
}

func TestOpenOnMissingDirectoryCreatesIt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "wal")
	w, err := Open(dir, Options{SyncMode: SyncNone})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(dir)
	assert.NoError(t, err)
}
