// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"context"
	"fmt"

	"github.com/santemesh/hie/pkg/config"
)

// Open builds the backend selected by the persistence section.
func Open(ctx context.Context, cfg config.Persistence) (Store, error) {
	switch cfg.Backend {
	case "", "buntdb":
		return OpenBunt(BuntOptions{
			Path:             cfg.Path,
			CompressMinBytes: cfg.CompressMinBytes,
		})
	case "postgres":
		return OpenPG(ctx, PGOptions{
			DSN:              cfg.DSN,
			CompressMinBytes: cfg.CompressMinBytes,
		})
	default:
		return nil, &config.Error{
			Path:   "persistence/backend",
			Reason: fmt.Sprintf("unknown backend %q", cfg.Backend),
		}
	}
}
