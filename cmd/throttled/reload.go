package main

import (
	"context"

	"github.com/vyrodovalexey/avathrottle/internal/config"
	"github.com/vyrodovalexey/avathrottle/internal/observability"
	"github.com/vyrodovalexey/avathrottle/internal/policy"
)

// policyReplacer is the part of policy.Store the seed file needs.
type policyReplacer interface {
	Replace(ctx context.Context, set *policy.PolicySet) error
}

// applyPolicyFile loads the seed file at path and installs it.
func applyPolicyFile(ctx context.Context, policies policyReplacer, path string) error {
	set, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	return policies.Replace(ctx, set)
}

// applyConfig hot-applies the settings that can change without a
// restart: the audit sample rate and the log level, unless the level was
// pinned on the command line. Everything else is read once at startup.
func applyConfig(app *application, cfg *config.Config) {
	prev := app.sampler.SampleRate()
	app.sampler.SetSampleRate(cfg.Audit.SampleRate)
	if !cfg.Audit.Enabled {
		app.sampler.SetSampleRate(0)
	}
	if now := app.sampler.SampleRate(); now != prev {
		app.logger.Info("audit sample rate changed",
			observability.Float64("from", prev),
			observability.Float64("to", now),
		)
	}

	if app.logLevelPinned || cfg.Observability.Log.Level == "" {
		return
	}
	setter, ok := app.logger.(observability.LevelSetter)
	if !ok {
		return
	}
	from := setter.Level()
	if err := setter.SetLevel(cfg.Observability.Log.Level); err != nil {
		app.logger.Warn("ignoring invalid log level", observability.Error(err))
		return
	}
	if to := setter.Level(); to != from {
		app.logger.Info("log level changed",
			observability.String("from", from),
			observability.String("to", to),
		)
	}
}

// startConfigWatcher watches the configuration file. It returns nil when
// no file is used or the watcher cannot start.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	if configPath == "" {
		return nil
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		app.logger.Info("configuration changed, applying")
		applyConfig(app, newCfg)
	}, config.WithLogger(app.logger))
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}

// startPolicyFileWatcher re-applies the policy seed file whenever it
// changes. A rejected document leaves the current policies in force.
func startPolicyFileWatcher(ctx context.Context, app *application) *config.FileWatcher {
	path := app.config.Policy.File
	if path == "" {
		return nil
	}

	watcher, err := config.NewFileWatcher(path, func() {
		if err := applyPolicyFile(ctx, app.policies, path); err != nil {
			app.logger.Error("policy file rejected",
				observability.String("path", path),
				observability.Error(err),
			)
			return
		}
		app.logger.Info("policy file applied", observability.String("path", path))
	}, config.WithLogger(app.logger))
	if err != nil {
		app.logger.Warn("failed to create policy file watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start policy file watcher", observability.Error(err))
		return nil
	}
	return watcher
}
