package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/rivet-dev/rivet-sub006/examples/counter"
	"github.com/rivet-dev/rivet-sub006/internal/actor"
	"github.com/rivet-dev/rivet-sub006/internal/config"
	"github.com/rivet-dev/rivet-sub006/internal/index"
	"github.com/rivet-dev/rivet-sub006/internal/loader"
	"github.com/rivet-dev/rivet-sub006/internal/manager"
	"github.com/rivet-dev/rivet-sub006/internal/metadata"
	"github.com/rivet-dev/rivet-sub006/internal/storage"
)

// registry maps a declared actor name to the Definition that implements
// it. rivetctl only ships the "counter" demo, but the loader dispatches
// on info.Name so a real embedding application would register more here.
func registry() map[string]*actor.Definition {
	return map[string]*actor.Definition{
		"counter": counter.Definition(),
	}
}

// multiFactory builds a loader.Factory that dispatches to the Definition
// registered under the activating host id's metadata name. An id whose
// name has no registered Definition is a deployment bug, not a
// recoverable condition, so it panics loudly rather than silently
// degrading (spec.md §9's treatment of programming errors).
func multiFactory(defs map[string]*actor.Definition, rateLimitPerSec float64) loader.Factory {
	built := make(map[string]loader.Factory, len(defs))
	for name, def := range defs {
		built[name] = actor.NewFactory(def, rateLimitPerSec)
	}
	return func(hostID string, store *storage.Store, info metadata.Info) loader.Instance {
		f, ok := built[info.Name]
		if !ok {
			panic(fmt.Sprintf("rivetctl: no actor definition registered for name %q", info.Name))
		}
		return f(hostID, store, info)
	}
}

// runtime bundles the process-wide components one rivetctl invocation
// needs. Every subcommand opens a fresh runtime over the same on-disk
// data directory and index — durability lives entirely on disk, the
// same way aistore's CLI re-resolves cluster state from the running
// target/proxy on every invocation rather than caching it client-side.
type runtime struct {
	cfg     *config.Config
	loader  *loader.Loader
	index   *index.Index
	manager *manager.Manager
}

func openRuntime(c *cli.Context) (*runtime, error) {
	cfg := config.Default()
	if path := c.GlobalString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("rivetctl: load config: %w", err)
		}
		cfg = loaded
	}
	if dir := c.GlobalString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	config.Set(cfg)

	idx, err := index.Open(c.GlobalString("index-path"))
	if err != nil {
		return nil, fmt.Errorf("rivetctl: open index: %w", err)
	}

	factory := multiFactory(registry(), cfg.BroadcastRateLimitPerSec)
	l := loader.New(cfg, factory)
	mgr := manager.New(l, idx, cfg.DataDir)

	return &runtime{cfg: cfg, loader: l, index: idx, manager: mgr}, nil
}

func (r *runtime) Close() {
	_ = r.index.Close()
}
