package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config configures Load.
type Config struct {
	// Dirs are scanned for installed plugins, in order.
	Dirs []string

	// ProjectDir holds the .env file of the project. Empty skips it.
	ProjectDir string

	// Timeout overrides every descriptor timeout when non-zero.
	Timeout time.Duration

	// Environment replaces os.LookupEnv for the env source.
	Environment func(string) (string, bool)
}

// Load builds and seals the registry: the built-in variable sources first
// (environment, then .env), then every installed plugin found in cfg.Dirs.
// Plugins claiming a reserved keyword are skipped with a warning.
func Load(ctx context.Context, cfg Config, logger zerolog.Logger) (*Registry, error) {
	logger = logger.With().Str("component", "plugins").Logger()
	r := NewRegistry()

	if err := r.RegisterVariableSource(Info{Name: "env", Source: "builtin"}, EnvSource{Lookup: cfg.Environment}); err != nil {
		return nil, err
	}
	if cfg.ProjectDir != "" {
		dotenv := NewDotEnvSource(cfg.ProjectDir)
		if err := r.RegisterVariableSource(Info{Name: "dotenv", Source: dotenv.Path}, dotenv); err != nil {
			return nil, err
		}
	}

	descriptors, err := NewDescriptorLoader().Scan(cfg.Dirs...)
	if err != nil {
		return nil, err
	}

	for _, d := range descriptors {
		if err := register(ctx, r, d, cfg.Timeout, logger); err != nil {
			if IsSkippable(err) {
				logger.Warn().Err(err).Str("plugin", d.Name).Msg("Plugin skipped")
				continue
			}
			return nil, err
		}
		logger.Debug().
			Str("plugin", d.Name).
			Str("extension", string(d.Extension)).
			Str("keyword", d.Keyword).
			Msg("Plugin registered")
	}

	r.Seal()
	logger.Info().Int("plugins", len(descriptors)).Msg("Plugin registry sealed")
	return r, nil
}

// IsSkippable reports whether a registration error only invalidates the
// offending plugin.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrReservedKeyword)
}

func register(ctx context.Context, r *Registry, d *Descriptor, override time.Duration, logger zerolog.Logger) error {
	timeout, err := d.ScriptTimeout()
	if err != nil {
		return fmt.Errorf("plugin %s: %w", d.Name, err)
	}
	if override > 0 {
		timeout = override
	}

	src, err := d.ReadScript()
	if err != nil {
		return err
	}
	kind, _ := d.Extension.ContributionKind()
	script, err := CompileScript(ctx, d.Name, d.ScriptPath, src, kind, timeout, logger)
	if err != nil {
		return err
	}

	info := Info{Name: d.Name, Keyword: d.Keyword, Source: d.Path}
	switch d.Extension {
	case ExtensionAction, ExtensionPackage, ExtensionAPI:
		if !script.Has(entryContribute) {
			return fmt.Errorf("plugin %s: script defines no %s()", d.Name, entryContribute)
		}
		return r.RegisterContributor(d.Extension, info, script)
	case ExtensionBuilder:
		if !script.Has(entryBuild) {
			return fmt.Errorf("plugin %s: script defines no %s()", d.Name, entryBuild)
		}
		return r.RegisterBuilder(info, script)
	case ExtensionVariables:
		if !script.Has(entryResolve) {
			return fmt.Errorf("plugin %s: script defines no %s()", d.Name, entryResolve)
		}
		return r.RegisterVariableSource(info, script)
	default:
		return fmt.Errorf("plugin %s: unknown extension %q", d.Name, d.Extension)
	}
}
