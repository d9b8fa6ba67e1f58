// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	cron "github.com/robfig/cron/v3"

	"github.com/santemesh/hie/pkg/util/log"
)

// DefaultJanitorSchedule runs retention nightly at 03:00.
const DefaultJanitorSchedule = "0 3 * * *"

// Janitor deletes messages past the retention window on a cron schedule.
type Janitor struct {
	store         Store
	retentionDays int
	cron          *cron.Cron
}

// NewJanitor builds a janitor; a zero retention disables it.
func NewJanitor(s Store, retentionDays int, schedule string) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	j := &Janitor{store: s, retentionDays: retentionDays, cron: cron.New()}
	if retentionDays <= 0 {
		return j, nil
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, errors.Wrapf(err, "store: janitor schedule %q", schedule)
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	if j.retentionDays > 0 {
		j.cron.Start()
	}
}

// Stop halts the schedule, waiting for a running sweep.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		log.Warn("store | janitor stop timed out waiting for a running sweep")
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	before, errBefore := j.store.Stats(ctx)
	n, err := j.store.DeleteOlderThan(ctx, j.retentionDays)
	if err != nil {
		log.Errorf("store | retention sweep failed: %v", err)
		return
	}
	if errBefore == nil {
		if after, err := j.store.Stats(ctx); err == nil && before.BodyBytes > after.BodyBytes {
			log.Infof("store | retention removed %d messages, reclaimed %s",
				n, humanize.Bytes(uint64(before.BodyBytes-after.BodyBytes)))
			return
		}
	}
	log.Infof("store | retention removed %d messages older than %d days", n, j.retentionDays)
}
