// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnalloc

import (
	"github.com/pion/logging"
	"github.com/pion/turnalloc/internal/offload"
)

// OffloadConfig defines various offload options.
type OffloadConfig struct {
	// Log is a leveled logger.
	Log logging.LeveledLogger
	// Mechanisms are the offload mechanisms to be used. First element has the highest priority.
	// Available mechanisms are:
	// - "ebpf": kernel BPF maps consumed by an attached XDP program, UDP only
	// - "null": no offload
	Mechanisms []string
	// PinPath pins the eBPF maps in bpffs so an externally loaded XDP program can use them.
	PinPath string
	// MaxEntries bounds the eBPF maps. Zero uses the engine default.
	MaxEntries uint32
}

// NewOffloadEngine instantiates and initializes an offload engine. It probes the
// mechanisms in order until one initializes and falls back to the null engine.
func NewOffloadEngine(opt OffloadConfig) (offload.Engine, error) {
	if opt.Log == nil {
		opt.Log = logging.NewDefaultLoggerFactory().NewLogger("offload")
	}
	if len(opt.Mechanisms) == 0 {
		opt.Mechanisms = []string{"ebpf", "null"}
	}

	for _, m := range opt.Mechanisms {
		var engine offload.Engine
		var err error
		switch m {
		case "ebpf":
			engine, err = offload.NewMapEngine(offload.MapEngineConfig{
				PinPath:    opt.PinPath,
				MaxEntries: opt.MaxEntries,
			}, opt.Log)
		case "null":
			engine, err = offload.NewNullEngine(opt.Log)
		default:
			err = errUnsupportedOffloadMechanism
		}
		if err == nil {
			err = engine.Init()
		}
		if err == nil {
			return engine, nil
		}
		opt.Log.Warnf("Offload mechanism %q unavailable: %s", m, err)
	}

	engine, err := offload.NewNullEngine(opt.Log)
	if err != nil {
		return nil, err
	}
	return engine, engine.Init()
}
