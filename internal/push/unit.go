package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/nucleus/segpush/internal/dispatch"
	"github.com/nucleus/segpush/internal/filesystem"
	"github.com/nucleus/segpush/internal/jobspec"
)

// RunUnit is the worker entry point. It rebuilds the plugin registry, every
// scheme binding, the control-plane client and the executor from the unit's
// own spec, then pushes the unit's segments.
func RunUnit(ctx context.Context, unit dispatch.WorkUnit) error {
	return UnitRunner(UnitConfig{})(ctx, unit)
}

// UnitConfig configures UnitRunner.
type UnitConfig struct {
	Logger hclog.Logger
	// Plugins defaults to the built-in plugins.
	Plugins   *filesystem.PluginRegistry
	RateLimit float64
	// Resolve restores settings a dispatched spec was shipped without, such
	// as credentials. It runs on the unit's own copy before defaults apply.
	Resolve func(*jobspec.JobSpec)
}

// UnitRunner returns a dispatch.UnitFunc that runs units like RunUnit.
func UnitRunner(cfg UnitConfig) dispatch.UnitFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(ctx context.Context, unit dispatch.WorkUnit) error {
		if unit.Spec == nil {
			return errors.New("work unit carries no job spec")
		}
		spec := unit.Spec.Clone()
		if cfg.Resolve != nil {
			cfg.Resolve(spec)
		}
		spec.ApplyDefaults()
		if unit.Mode != "" {
			spec.Push.Mode = unit.Mode
		}
		strategy, err := StrategyFor(spec.Push.Mode)
		if err != nil {
			return err
		}
		env, err := newEnv(spec, envConfig{
			plugins:   cfg.Plugins,
			rateLimit: cfg.RateLimit,
			logger:    logger.With("unit", unit.Index),
		})
		if err != nil {
			return fmt.Errorf("unit %d: %w", unit.Index, err)
		}
		env.Logger.Debug("unit started", "segments", len(unit.Segments), "entryId", unit.EntryID)
		return pushSegments(ctx, env, strategy, unit.Segments)
	}
}
