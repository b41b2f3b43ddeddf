package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// Extension is one of the five plugin extension points.
type Extension string

const (
	ExtensionAction    Extension = "action"
	ExtensionPackage   Extension = "package"
	ExtensionAPI       Extension = "api"
	ExtensionBuilder   Extension = "builder"
	ExtensionVariables Extension = "variables"
)

// ContributionKind returns the contribution kind handled by a contributor
// extension point.
func (e Extension) ContributionKind() (engine.ContributionKind, bool) {
	switch e {
	case ExtensionAction:
		return engine.ContributionAction, true
	case ExtensionPackage:
		return engine.ContributionPackage, true
	case ExtensionAPI:
		return engine.ContributionAPI, true
	default:
		return "", false
	}
}

var (
	// ErrSealed is returned when registering into a sealed registry.
	ErrSealed = errors.New("plugin registry is sealed")

	// ErrReservedKeyword is returned for keywords that name builtin properties.
	ErrReservedKeyword = errors.New("keyword is reserved")

	// ErrDuplicateKeyword is returned when two plugins claim one keyword.
	ErrDuplicateKeyword = errors.New("keyword already registered")
)

// ReservedActionKeywords are the builtin action properties, in priority order
// for the variant keywords first.
var ReservedActionKeywords = []string{
	"location", "sequence", "copy", "code", "image",
	"runtime", "main", "web", "binary", "inputs", "annotations", "limits", "builder",
}

// ReservedPackageKeywords are the builtin package properties.
var ReservedPackageKeywords = []string{"actions", "binding", "publish", "inputs", "annotations"}

// ReservedAPIKeywords are the builtin API properties.
var ReservedAPIKeywords = []string{"basePath", "routes"}

// IsReserved reports whether keyword is a builtin property of kind.
func IsReserved(kind engine.ContributionKind, keyword string) bool {
	var reserved []string
	switch kind {
	case engine.ContributionAction:
		reserved = ReservedActionKeywords
	case engine.ContributionPackage:
		reserved = ReservedPackageKeywords
	case engine.ContributionAPI:
		reserved = ReservedAPIKeywords
	}
	for _, r := range reserved {
		if r == keyword {
			return true
		}
	}
	return false
}

// Info describes one registered plugin for listings.
type Info struct {
	Name      string    `json:"name"`
	Extension Extension `json:"extension"`
	Keyword   string    `json:"keyword,omitempty"`
	Source    string    `json:"source,omitempty"`
}

type contributorEntry struct {
	info        Info
	contributor engine.Contributor
}

// Registry indexes plugins by keyword for the five extension points. It is
// populated once and sealed; after Seal it is read-only and safe to share.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	sealed bool

	// contributors holds entries per kind in registration order.
	contributors map[engine.ContributionKind][]contributorEntry

	builders     map[string]engine.ArtifactBuilder
	builderInfos []Info

	variables     []engine.VariableSource
	variableInfos []Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		contributors: make(map[engine.ContributionKind][]contributorEntry),
		builders:     make(map[string]engine.ArtifactBuilder),
	}
}

// RegisterContributor registers c for keyword on the contributor extension
// point ext.
func (r *Registry) RegisterContributor(ext Extension, info Info, c engine.Contributor) error {
	kind, ok := ext.ContributionKind()
	if !ok {
		return fmt.Errorf("extension %s does not accept contributors", ext)
	}
	if info.Keyword == "" {
		return fmt.Errorf("plugin %s: keyword is required", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if IsReserved(kind, info.Keyword) {
		return fmt.Errorf("plugin %s: %w: %s", info.Name, ErrReservedKeyword, info.Keyword)
	}
	for _, e := range r.contributors[kind] {
		if e.info.Keyword == info.Keyword {
			return fmt.Errorf("plugin %s: %w: %s (by %s)", info.Name, ErrDuplicateKeyword, info.Keyword, e.info.Name)
		}
	}

	info.Extension = ext
	r.contributors[kind] = append(r.contributors[kind], contributorEntry{info: info, contributor: c})
	return nil
}

// RegisterBuilder registers an artifact builder for keyword.
func (r *Registry) RegisterBuilder(info Info, b engine.ArtifactBuilder) error {
	if info.Keyword == "" {
		return fmt.Errorf("plugin %s: keyword is required", info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}
	if _, exists := r.builders[info.Keyword]; exists {
		return fmt.Errorf("plugin %s: %w: %s", info.Name, ErrDuplicateKeyword, info.Keyword)
	}

	info.Extension = ExtensionBuilder
	r.builders[info.Keyword] = b
	r.builderInfos = append(r.builderInfos, info)
	return nil
}

// RegisterVariableSource appends a variable source; earlier sources win.
func (r *Registry) RegisterVariableSource(info Info, s engine.VariableSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}

	info.Extension = ExtensionVariables
	r.variables = append(r.variables, s)
	r.variableInfos = append(r.variableInfos, info)
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// MatchContributor implements engine.PluginIndex. The first registered
// keyword present in body wins.
func (r *Registry) MatchContributor(kind engine.ContributionKind, body engine.Dict) (engine.ContributorMatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.contributors[kind] {
		if _, present := body[e.info.Keyword]; present {
			return engine.ContributorMatch{
				Plugin:      e.info.Name,
				Keyword:     e.info.Keyword,
				Contributor: e.contributor,
			}, true
		}
	}
	return engine.ContributorMatch{}, false
}

// Builder implements engine.PluginIndex.
func (r *Registry) Builder(keyword string) (engine.ArtifactBuilder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[keyword]
	return b, ok
}

// VariableSources implements engine.PluginIndex.
func (r *Registry) VariableSources() []engine.VariableSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]engine.VariableSource(nil), r.variables...)
}

// List returns every registered plugin sorted by extension and keyword.
// Variable sources keep their precedence order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []Info
	for _, kind := range []engine.ContributionKind{engine.ContributionAction, engine.ContributionPackage, engine.ContributionAPI} {
		for _, e := range r.contributors[kind] {
			infos = append(infos, e.info)
		}
	}
	builders := append([]Info(nil), r.builderInfos...)
	sort.Slice(builders, func(i, j int) bool { return builders[i].Keyword < builders[j].Keyword })
	infos = append(infos, builders...)
	infos = append(infos, r.variableInfos...)
	return infos
}

var _ engine.PluginIndex = (*Registry)(nil)
