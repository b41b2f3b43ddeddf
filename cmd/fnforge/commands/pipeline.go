package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/fnforge/pkg/client"
	"github.com/openfroyo/fnforge/pkg/compiler"
	"github.com/openfroyo/fnforge/pkg/config"
	"github.com/openfroyo/fnforge/pkg/engine"
	"github.com/openfroyo/fnforge/pkg/plugins"
	"github.com/openfroyo/fnforge/pkg/policy"
	"github.com/openfroyo/fnforge/pkg/stores"
	"github.com/openfroyo/fnforge/pkg/telemetry"
)

// workspace is a compiled project and the plugins it was compiled with.
type workspace struct {
	dir      string
	doc      *config.Document
	project  *engine.Project
	registry *plugins.Registry
}

// compileProject runs the loader and the expander on the project at path.
func compileProject(ctx context.Context, path string, strict bool, logger zerolog.Logger) (*workspace, error) {
	_, dir, err := config.ResolveManifest(path)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, &ExitError{Code: ExitMissingManifest, Err: err}
		}
		return nil, err
	}

	registry, err := plugins.Load(ctx, plugins.Config{
		Dirs:       pluginSearchPath(dir),
		ProjectDir: dir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}

	doc, err := config.NewLoader(config.LoaderOptions{Variables: registry.VariableSources()}, logger).Load(ctx, path)
	if err != nil {
		return nil, err
	}

	project, err := compiler.New(registry, compiler.Options{Strict: strict}, logger).Compile(ctx, doc)
	if err != nil {
		return nil, err
	}

	return &workspace{dir: dir, doc: doc, project: project, registry: registry}, nil
}

// pluginSearchPath lists the project plugins, the --plugins-dir flags and
// the user plugins, in that order.
func pluginSearchPath(projectDir string) []string {
	dirs := []string{filepath.Join(projectDir, "plugins")}
	dirs = append(dirs, pluginDirs...)
	return append(dirs, defaultPluginDir())
}

// newResourceClient returns the REST client for the resolved credentials,
// or an in-memory client for dry runs.
func newResourceClient(dryRun bool, logger zerolog.Logger) (engine.ResourceClient, error) {
	if dryRun {
		return client.NewMemory(), nil
	}
	c, err := resolveCredentials(creds, os.LookupEnv, homeDir())
	if err != nil {
		return nil, err
	}
	return client.NewREST(client.RESTConfig{Credentials: c}, logger)
}

// openJournal opens the journal named by --journal. Both results are nil when
// journaling is disabled.
func openJournal(ctx context.Context, logger zerolog.Logger) (*stores.SQLiteStore, *stores.Journal, error) {
	if journalPath == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(journalPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	store, err := stores.Open(ctx, journalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return store, stores.NewJournal(store, logger), nil
}

// newPolicyEngine returns the built-in policies plus those found in paths.
func newPolicyEngine(ctx context.Context, paths []string, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// checkPolicies evaluates p and records every finding in the metrics.
func checkPolicies(ctx context.Context, pe *policy.Engine, p *engine.Project, pctx policy.PolicyContext, m *telemetry.Metrics) (*policy.PolicyResult, error) {
	result, err := pe.Check(ctx, p, pctx)
	if result != nil {
		for _, v := range result.Violations {
			m.RecordPolicyFinding(v.Policy, string(v.Severity))
		}
		for _, v := range result.Warnings {
			m.RecordPolicyFinding(v.Policy, string(v.Severity))
		}
	}
	return result, err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, report *engine.Report) {
	fmt.Fprintf(w, "Deployment %s: %s (run %s)\n", report.Service, report.Status, report.RunID)
	for i, wave := range report.Waves {
		fmt.Fprintf(w, "  wave %d: %v\n", i+1, wave)
	}
	for _, e := range report.Entities {
		if e.Error != "" {
			fmt.Fprintf(w, "  ✗ %s %s: %s\n", e.Kind, e.Name, e.Error)
			continue
		}
		fmt.Fprintf(w, "  ✓ %s %s\n", e.Kind, e.Name)
	}
}

func printUndeployReport(w io.Writer, report *engine.UndeployReport) {
	fmt.Fprintf(w, "Undeploy %s in %s: %d deleted, %d skipped\n", report.Service, report.Namespace, len(report.Deleted), len(report.Skipped))
	for _, ref := range report.Deleted {
		fmt.Fprintf(w, "  - %s\n", ref)
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(w, "  = %s (%s)\n", s.Ref, s.Reason)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  ✗ %s\n", e)
	}
}
