package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGraph builds a graph from key -> dependencies.
func newTestGraph(deps map[string][]string) *Graph {
	g := &Graph{Namespace: DefaultNamespace, Nodes: make(map[string]*GraphNode)}
	for key := range deps {
		g.Nodes[key] = &GraphNode{Key: key, Status: NodePending}
	}
	for key, ds := range deps {
		for _, dep := range ds {
			g.Nodes[key].Dependencies = append(g.Nodes[key].Dependencies, dep)
			g.Nodes[dep].Dependents = append(g.Nodes[dep].Dependents, key)
		}
	}
	return g
}

type dispatchLog struct {
	mu   sync.Mutex
	keys []string
}

func (l *dispatchLog) record(key string) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
}

func (l *dispatchLog) sorted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]string(nil), l.keys...)
	sort.Strings(out)
	return out
}

func TestWaveScheduler_Run_DependencyOrder(t *testing.T) {
	g := newTestGraph(map[string][]string{
		"utils/cat":  nil,
		"utils/head": nil,
		"mysequence": {"utils/cat", "utils/head"},
		"mycopy":     {"mysequence"},
	})

	var (
		mu       sync.Mutex
		deployed = make(map[string]bool)
	)
	scheduler := NewWaveScheduler(4, zerolog.Nop())
	waves, err := scheduler.Run(context.Background(), g, func(ctx context.Context, node *GraphNode) error {
		mu.Lock()
		defer mu.Unlock()
		for _, dep := range node.Dependencies {
			assert.True(t, deployed[dep], "%s dispatched before its dependency %s", node.Key, dep)
		}
		deployed[node.Key] = true
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"utils/cat", "utils/head"}, {"mysequence"}, {"mycopy"}}, waves)
	for key := range g.Nodes {
		assert.Equal(t, NodeDeployed, scheduler.Status(g, key), key)
	}
}

func TestWaveScheduler_Run_AbortsAfterFailingWave(t *testing.T) {
	g := newTestGraph(map[string][]string{
		"a": nil,
		"b": nil,
		"c": {"a"},
		"d": {"b"},
	})

	log := &dispatchLog{}
	boom := errors.New("boom")
	scheduler := NewWaveScheduler(2, zerolog.Nop())
	waves, err := scheduler.Run(context.Background(), g, func(ctx context.Context, node *GraphNode) error {
		log.record(node.Key)
		if node.Key == "a" {
			return boom
		}
		return nil
	})

	require.ErrorIs(t, err, boom)
	assert.Len(t, waves, 1)
	assert.Equal(t, []string{"a", "b"}, log.sorted(), "only the first wave is dispatched")

	// The sibling that succeeded stays deployed.
	assert.Equal(t, NodeDeployed, scheduler.Status(g, "b"))
	assert.Equal(t, NodeFailed, scheduler.Status(g, "a"))
	assert.Equal(t, NodePending, scheduler.Status(g, "d"))
}

func TestWaveScheduler_Run_MultipleFailuresReportFirstByKey(t *testing.T) {
	g := newTestGraph(map[string][]string{"x": nil, "y": nil})

	scheduler := NewWaveScheduler(0, zerolog.Nop())
	_, err := scheduler.Run(context.Background(), g, func(ctx context.Context, node *GraphNode) error {
		return NewManifestError(node.Key, "rejected", nil)
	})
	require.Error(t, err)

	var e *EngineError
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "x", e.Resource)
}

func TestWaveScheduler_Run_Cycle(t *testing.T) {
	g := newTestGraph(map[string][]string{
		"root": nil,
		"a":    {"b"},
		"b":    {"a"},
	})

	log := &dispatchLog{}
	scheduler := NewWaveScheduler(2, zerolog.Nop())
	_, err := scheduler.Run(context.Background(), g, func(ctx context.Context, node *GraphNode) error {
		log.record(node.Key)
		return nil
	})

	require.True(t, IsCyclicDependency(err), "got %v", err)
	assert.Equal(t, []string{"a", "b"}, PendingOf(err))
	assert.Equal(t, []string{"root"}, log.sorted())
}

func TestWaveScheduler_Run_BoundedParallelism(t *testing.T) {
	deps := make(map[string][]string)
	for _, key := range []string{"a", "b", "c", "d", "e", "f"} {
		deps[key] = nil
	}
	g := newTestGraph(deps)

	var (
		running int32
		peak    int32
	)
	scheduler := NewWaveScheduler(2, zerolog.Nop())
	_, err := scheduler.Run(context.Background(), g, func(ctx context.Context, node *GraphNode) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestWaveScheduler_Run_OnWave(t *testing.T) {
	g := newTestGraph(map[string][]string{"a": nil, "b": {"a"}})

	var indexes []int
	scheduler := NewWaveScheduler(1, zerolog.Nop()).OnWave(func(ctx context.Context, index int, keys []string) context.Context {
		indexes = append(indexes, index)
		return ctx
	})
	_, err := scheduler.Run(context.Background(), g, func(ctx context.Context, node *GraphNode) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indexes)
}

func TestWaveScheduler_Run_Cancelled(t *testing.T) {
	g := newTestGraph(map[string][]string{"a": nil})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scheduler := NewWaveScheduler(1, zerolog.Nop())
	_, err := scheduler.Run(ctx, g, func(ctx context.Context, node *GraphNode) error {
		t.Error("dispatched after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaveScheduler_Run_NilGraph(t *testing.T) {
	scheduler := NewWaveScheduler(1, zerolog.Nop())
	_, err := scheduler.Run(context.Background(), nil, nil)
	assert.Error(t, err)
}
