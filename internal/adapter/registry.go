package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"applyd/internal/config"
	"applyd/pkg/models"
)

// Registry holds one adapter per platform. It is the only process-wide
// state, built once at startup.
type Registry struct {
	adapters map[models.Platform]Adapter
}

// NewRegistry builds the production adapter set, applying any configured
// rate overrides.
func NewRegistry(cfg *config.Config, logger *zap.Logger) *Registry {
	client := &http.Client{Timeout: 30 * time.Second}

	profiles := []boardProfile{
		linkedinProfile(),
		indeedProfile(),
		glassdoorProfile(),
		monsterProfile(),
	}

	adapters := map[models.Platform]Adapter{}
	for _, p := range profiles {
		if cfg != nil {
			if ov, ok := cfg.RateOverrides[string(p.platform)]; ok {
				p.rate = applyOverride(p.rate, ov)
			}
		}
		adapters[p.platform] = NewHTTPAdapter(p, client, logger)
	}
	adapters[models.PlatformGeneric] = NewBrowserAdapter(logger)

	return &Registry{adapters: adapters}
}

// NewScriptedRegistry wires every platform to a scripted adapter;
// used by tests and the --dry-run serve mode.
func NewScriptedRegistry(script func(p models.Platform) *Scripted) *Registry {
	adapters := map[models.Platform]Adapter{}
	for _, p := range models.Platforms {
		adapters[p] = script(p)
	}
	return &Registry{adapters: adapters}
}

func applyOverride(rate RatePolicy, ov config.RateOverride) RatePolicy {
	if ov.MinIntervalSeconds > 0 {
		rate.MinInterval = time.Duration(ov.MinIntervalSeconds) * time.Second
	}
	if ov.TokensPerMinute > 0 {
		rate.TokensPerMinute = ov.TokensPerMinute
	}
	if ov.MaxInFlight > 0 {
		rate.MaxInFlight = int64(ov.MaxInFlight)
	}
	return rate
}

// Get returns the adapter for a platform
func (r *Registry) Get(platform models.Platform) (Adapter, error) {
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return a, nil
}

// Health reports every adapter's health, keyed by platform
func (r *Registry) Health() map[models.Platform]Health {
	out := make(map[models.Platform]Health, len(r.adapters))
	for p, a := range r.adapters {
		out[p] = a.Health()
	}
	return out
}

// CloseAll closes every adapter session
func (r *Registry) CloseAll(ctx context.Context) {
	for _, a := range r.adapters {
		_ = a.Close(ctx)
	}
}
