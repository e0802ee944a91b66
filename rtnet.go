// Package rtnet ties the device, routing, stack-manager, protocol,
// socket, TDMA, and RTcfg layers together into one runnable instance,
// the same role caddy.go plays for Caddy's module graph: load a
// Config, provision every component it describes into a Context, and
// run that Context's background tasks until told to stop.
package rtnet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	activeMu  sync.Mutex
	activeCtx *Context
)

// Run replaces any currently running instance with one provisioned
// from cfg and starts it in the background. It does not block; call
// Stop to tear the instance down.
func Run(cfg *Config) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return Load(cfgJSON, true)
}

// Load decodes cfgJSON and, if it differs from the currently running
// config (or forceReload is true), stops the current instance and
// starts a new one in its place. Unlike Caddy's Load, this does not
// attempt to diff and hot-patch individual config paths; a reload
// always fully re-provisions, since this stack's device/route/TDMA
// graph is small enough that incremental patching buys little.
func Load(cfgJSON []byte, forceReload bool) error {
	var cfg Config
	if err := json.Unmarshal(cfgJSON, &cfg); err != nil {
		return fmt.Errorf("rtnet: decoding config: %w", err)
	}

	activeMu.Lock()
	defer activeMu.Unlock()

	if !forceReload && activeCtx != nil {
		// NewContext filled default module parameters into the active
		// config, so compare against the incoming config with the same
		// defaults applied.
		incoming := cfg
		incoming.Params.applyDefaults()
		existing, err := json.Marshal(activeCtx.cfg)
		if err == nil {
			if next, err := json.Marshal(&incoming); err == nil && string(existing) == string(next) {
				return nil
			}
		}
	}

	newCtx, err := NewContext(context.Background(), &cfg)
	if err != nil {
		return fmt.Errorf("rtnet: provisioning config: %w", err)
	}

	old := activeCtx
	activeCtx = newCtx

	go func() {
		if err := newCtx.Run(); err != nil {
			Log().Error("stack instance exited", zap.Error(err))
		}
	}()

	if old != nil {
		if err := old.Stop(); err != nil {
			Log().Error("stopping previous stack instance", zap.Error(err))
		}
	}

	return nil
}

// Stop tears down the currently running instance, if any.
func Stop() error {
	activeMu.Lock()
	ctx := activeCtx
	activeCtx = nil
	activeMu.Unlock()

	if ctx == nil {
		return nil
	}
	return ctx.Stop()
}

// ActiveContext returns the currently running instance's Context, or
// nil if none is running. Used by internal/adminapi to serve reads
// against live state.
func ActiveContext() *Context {
	activeMu.Lock()
	defer activeMu.Unlock()
	return activeCtx
}
