// Package plugins registers the plugins that ship with the worker.
package plugins

import (
	"github.com/sliink/taskworker/internal/plugins/heartbeat"
	"github.com/sliink/taskworker/internal/plugins/procmon"
	"github.com/sliink/taskworker/internal/plugins/stdout"
	"github.com/sliink/taskworker/internal/plugins/tracing"
	"github.com/sliink/taskworker/pkg/plugin"
)

// RegisterStandard registers every built-in plugin on reg
func RegisterStandard(reg *plugin.Registry) error {
	factories := map[string]plugin.Factory{
		stdout.ID:    stdout.New,
		heartbeat.ID: heartbeat.New,
		procmon.ID:   procmon.New,
		tracing.ID:   tracing.New,
	}

	for id, factory := range factories {
		if reg.Has(id) {
			continue
		}
		if err := reg.Register(id, factory); err != nil {
			return err
		}
	}
	return nil
}
