// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package host

import (
	"sync"

	"github.com/santemesh/hie/pkg/config"
)

// Factory builds one host from its config item.
type Factory func(item config.Item, deps Deps) (Host, error)

var (
	registryMu sync.Mutex
	factories  = make(map[string]Factory)
)

// Register adds a host class to the registry and announces it to the
// config validator. Built-ins register at init; embedders may add their
// own classes before Deploy.
func Register(className string, t config.ItemType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[className] = f
	config.RegisterClass(className, t)
}

// New instantiates the host for a config item.
func New(item config.Item, deps Deps) (Host, error) {
	registryMu.Lock()
	f, ok := factories[item.ClassName]
	registryMu.Unlock()
	if !ok {
		return nil, &config.Error{
			Path:   "items/" + item.Name + "/class_name",
			Reason: "unknown class " + item.ClassName,
		}
	}
	return f(item, deps)
}

func init() {
	Register("HL7TCPService", config.TypeService, newTCPService)
	Register("HL7FileService", config.TypeService, newFileService)
	Register("HL7HTTPService", config.TypeService, newHTTPService)
	Register("HL7Router", config.TypeProcess, newRouter)
	Register("HL7TCPOperation", config.TypeOperation, newTCPOperation)
	Register("HL7FileOperation", config.TypeOperation, newFileOperation)
}
