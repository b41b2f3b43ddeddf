package engine_test

import (
	"context"
	"io/fs"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// mapLoader serves artifacts from memory.
type mapLoader map[string][]byte

func (l mapLoader) Load(_ context.Context, path string) ([]byte, error) {
	data, ok := l[path]
	if !ok {
		return nil, engine.NewIOError(path, fs.ErrNotExist)
	}
	return data, nil
}

// builderIndex only provides artifact builders.
type builderIndex map[string]engine.ArtifactBuilder

func (b builderIndex) MatchContributor(engine.ContributionKind, engine.Dict) (engine.ContributorMatch, bool) {
	return engine.ContributorMatch{}, false
}

func (b builderIndex) Builder(keyword string) (engine.ArtifactBuilder, bool) {
	builder, ok := b[keyword]
	return builder, ok
}

func (b builderIndex) VariableSources() []engine.VariableSource { return nil }

type builderFunc func(ctx context.Context, req engine.BuildRequest) (*engine.BuildResult, error)

func (f builderFunc) Build(ctx context.Context, req engine.BuildRequest) (*engine.BuildResult, error) {
	return f(ctx, req)
}

func actionRef(ns, name string) engine.ResourceRef {
	return engine.ResourceRef{Kind: engine.ResourceActions, Namespace: ns, Name: name}
}
