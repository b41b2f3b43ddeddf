package client

import (
	"context"
	"sort"
	"sync"

	"github.com/mitchellh/copystructure"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// Call records one mutation issued against a Memory client.
type Call struct {
	Op  string
	Ref engine.ResourceRef
}

// Memory is an in-process control plane. It is safe for concurrent use and
// records every mutation, which makes it the reference client for tests and
// dry runs against a snapshot.
type Memory struct {
	mu        sync.RWMutex
	resources map[engine.ResourceKind]map[string]*engine.RemoteResource
	calls     []Call
	failures  map[string]error
}

// NewMemory returns an empty in-memory control plane.
func NewMemory() *Memory {
	m := &Memory{
		resources: make(map[engine.ResourceKind]map[string]*engine.RemoteResource),
		failures:  make(map[string]error),
	}
	for _, kind := range engine.AllResourceKinds {
		m.resources[kind] = make(map[string]*engine.RemoteResource)
	}
	return m
}

// Seed stores resources without recording calls.
func (m *Memory) Seed(resources ...*engine.RemoteResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resources {
		m.resources[r.Kind][key(r.Ref())] = clone(r)
	}
}

// FailOn makes every operation op ("create", "update", "get", "delete",
// "list") on ref fail with err. For list the ref name is ignored.
func (m *Memory) FailOn(op string, ref engine.ResourceRef, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[failureKey(op, ref)] = err
}

// Calls returns the recorded mutations in order.
func (m *Memory) Calls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Call(nil), m.calls...)
}

// Snapshot returns every stored resource of kind, sorted by name.
func (m *Memory) Snapshot(kind engine.ResourceKind) []*engine.RemoteResource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.RemoteResource, 0, len(m.resources[kind]))
	for _, r := range m.resources[kind] {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns a stored resource.
func (m *Memory) Lookup(ref engine.ResourceRef) (*engine.RemoteResource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[ref.Kind][key(ref)]
	if !ok {
		return nil, false
	}
	return clone(r), true
}

// Packages implements engine.ResourceClient.
func (m *Memory) Packages() engine.ResourceAPI { return &memoryAPI{m: m, kind: engine.ResourcePackages} }

// Actions implements engine.ResourceClient.
func (m *Memory) Actions() engine.ResourceAPI { return &memoryAPI{m: m, kind: engine.ResourceActions} }

// Triggers implements engine.ResourceClient.
func (m *Memory) Triggers() engine.ResourceAPI { return &memoryAPI{m: m, kind: engine.ResourceTriggers} }

// Rules implements engine.ResourceClient.
func (m *Memory) Rules() engine.ResourceAPI { return &memoryAPI{m: m, kind: engine.ResourceRules} }

// Routes implements engine.ResourceClient.
func (m *Memory) Routes() engine.ResourceAPI { return &memoryAPI{m: m, kind: engine.ResourceRoutes} }

type memoryAPI struct {
	m    *Memory
	kind engine.ResourceKind
}

func (a *memoryAPI) put(op string, r *engine.RemoteResource, mustNotExist bool) (*engine.RemoteResource, error) {
	ref := r.Ref()
	ref.Kind = a.kind
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if err, ok := a.m.failures[failureKey(op, ref)]; ok {
		return nil, err
	}
	if _, exists := a.m.resources[a.kind][key(ref)]; exists && mustNotExist {
		return nil, engine.NewAlreadyExistsError(ref.String())
	}
	stored := clone(r)
	stored.Kind = a.kind
	a.m.resources[a.kind][key(ref)] = stored
	a.m.calls = append(a.m.calls, Call{Op: op, Ref: ref})
	return clone(stored), nil
}

func (a *memoryAPI) Create(_ context.Context, r *engine.RemoteResource) (*engine.RemoteResource, error) {
	return a.put("create", r, true)
}

func (a *memoryAPI) Update(_ context.Context, r *engine.RemoteResource) (*engine.RemoteResource, error) {
	return a.put("update", r, false)
}

func (a *memoryAPI) Get(_ context.Context, ref engine.ResourceRef) (*engine.RemoteResource, error) {
	ref.Kind = a.kind
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()
	if err, ok := a.m.failures[failureKey("get", ref)]; ok {
		return nil, err
	}
	r, ok := a.m.resources[a.kind][key(ref)]
	if !ok {
		return nil, engine.NewNotFoundError(ref.String())
	}
	return clone(r), nil
}

func (a *memoryAPI) Delete(_ context.Context, ref engine.ResourceRef) error {
	ref.Kind = a.kind
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	if err, ok := a.m.failures[failureKey("delete", ref)]; ok {
		return err
	}
	if _, ok := a.m.resources[a.kind][key(ref)]; !ok {
		return engine.NewNotFoundError(ref.String())
	}
	delete(a.m.resources[a.kind], key(ref))
	a.m.calls = append(a.m.calls, Call{Op: "delete", Ref: ref})
	return nil
}

func (a *memoryAPI) List(_ context.Context, namespace string) ([]*engine.RemoteResource, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()
	if err, ok := a.m.failures[failureKey("list", engine.ResourceRef{Kind: a.kind, Namespace: namespace})]; ok {
		return nil, err
	}
	out := make([]*engine.RemoteResource, 0)
	for _, r := range a.m.resources[a.kind] {
		if r.Namespace == namespace {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func key(ref engine.ResourceRef) string {
	return ref.Namespace + "/" + ref.Name
}

func failureKey(op string, ref engine.ResourceRef) string {
	if op == "list" {
		return op + ":" + string(ref.Kind) + ":" + ref.Namespace
	}
	return op + ":" + string(ref.Kind) + ":" + key(ref)
}

// clone deep copies a resource so callers never share maps with the store.
func clone(r *engine.RemoteResource) *engine.RemoteResource {
	cp, err := copystructure.Copy(r)
	if err != nil {
		shallow := *r
		return &shallow
	}
	return cp.(*engine.RemoteResource)
}
