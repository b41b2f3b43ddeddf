package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultParallelism is the default number of concurrent workers per wave.
const DefaultParallelism = 10

// DispatchFunc deploys the action of one graph node.
type DispatchFunc func(ctx context.Context, node *GraphNode) error

// WaveFunc is called before each wave is dispatched.
type WaveFunc func(ctx context.Context, index int, keys []string) context.Context

// WaveScheduler executes a dependency graph wave by wave. Each wave is the
// set of pending nodes whose graph-internal dependencies are all deployed;
// its members run concurrently on a bounded worker pool.
type WaveScheduler struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int

	// onWave wraps the context of each wave, may be nil
	onWave WaveFunc

	logger zerolog.Logger

	// mu protects node status during execution
	mu sync.RWMutex
}

// NewWaveScheduler creates a new wave scheduler.
func NewWaveScheduler(maxParallel int, logger zerolog.Logger) *WaveScheduler {
	if maxParallel <= 0 {
		maxParallel = DefaultParallelism
	}
	return &WaveScheduler{
		maxParallel: maxParallel,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// OnWave registers a hook called before each wave.
func (s *WaveScheduler) OnWave(fn WaveFunc) *WaveScheduler {
	s.onWave = fn
	return s
}

// Run dispatches every node of graph in dependency order and returns the
// waves that were dispatched. Once a wave settles with a failure no further
// wave is started and the first failure (by key) is returned; siblings that
// already deployed are kept. Nodes that never become ready yield a cyclic
// dependency error.
func (s *WaveScheduler) Run(ctx context.Context, graph *Graph, dispatch DispatchFunc) ([][]string, error) {
	if graph == nil {
		return nil, NewManifestError("", "graph is nil", nil)
	}

	s.mu.Lock()
	for _, node := range graph.Nodes {
		node.Status = NodePending
	}
	s.mu.Unlock()

	var waves [][]string
	for {
		select {
		case <-ctx.Done():
			return waves, ctx.Err()
		default:
		}

		ready := s.readySet(graph)
		if len(ready) == 0 {
			break
		}

		index := len(waves)
		waves = append(waves, ready)
		s.logger.Debug().
			Int("wave", index+1).
			Strs("actions", ready).
			Msg("Dispatching wave")

		waveCtx := ctx
		if s.onWave != nil {
			waveCtx = s.onWave(ctx, index, ready)
		}

		if err := s.runWave(waveCtx, graph, ready, dispatch); err != nil {
			s.logger.Error().Err(err).Int("wave", index+1).Msg("Wave failed")
			return waves, err
		}
	}

	pending := s.pending(graph)
	if len(pending) > 0 {
		return waves, NewCyclicDependencyError(pending)
	}
	return waves, nil
}

// readySet returns the sorted keys of pending nodes whose dependencies are
// all deployed, and marks them ready.
func (s *WaveScheduler) readySet(graph *Graph) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make([]string, 0)
	for key, node := range graph.Nodes {
		if node.Status != NodePending {
			continue
		}
		ok := true
		for _, dep := range node.Dependencies {
			if d, exists := graph.Nodes[dep]; exists && d.Status != NodeDeployed {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)
	for _, key := range ready {
		graph.Nodes[key].Status = NodeReady
	}
	return ready
}

func (s *WaveScheduler) pending(graph *Graph) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []string
	for key, node := range graph.Nodes {
		if node.Status == NodePending {
			pending = append(pending, key)
		}
	}
	return pending
}

// runWave executes all nodes of a wave in parallel using a worker pool.
func (s *WaveScheduler) runWave(ctx context.Context, graph *Graph, keys []string, dispatch DispatchFunc) error {
	workerCount := s.maxParallel
	if len(keys) < workerCount {
		workerCount = len(keys)
	}

	// Create work queue
	workQueue := make(chan string, len(keys))
	for _, key := range keys {
		workQueue <- key
	}
	close(workQueue)

	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		failed = make(map[string]error)
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for key := range workQueue {
				node := graph.Nodes[key]
				err := dispatch(ctx, node)

				s.mu.Lock()
				if err != nil {
					node.Status = NodeFailed
				} else {
					node.Status = NodeDeployed
				}
				s.mu.Unlock()

				if err != nil {
					errMu.Lock()
					failed[key] = err
					errMu.Unlock()
				}
			}
		}()
	}

	wg.Wait()

	if len(failed) == 0 {
		return nil
	}
	for _, key := range keys {
		if err, ok := failed[key]; ok {
			if len(failed) > 1 {
				return fmt.Errorf("%d actions failed, first %s: %w", len(failed), key, err)
			}
			return err
		}
	}
	return nil
}

// Status returns the scheduling status of the node with key.
func (s *WaveScheduler) Status(graph *Graph, key string) NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := graph.Nodes[key]; ok {
		return node.Status
	}
	return ""
}
