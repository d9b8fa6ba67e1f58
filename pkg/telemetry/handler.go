// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the registry in the Prometheus text format. The embedding
// layer decides the mount path.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
