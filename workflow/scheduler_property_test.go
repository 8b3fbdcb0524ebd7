package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestScheduler_Properties checks scheduling invariants over randomly
// shaped DAGs: edges only point from lower to higher node indices, so
// every generated graph is acyclic by construction.
func TestScheduler_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("every node runs exactly once on a completed run", prop.ForAll(
		func(nodeCount int, edgeBits []bool, concurrency int) bool {
			var mu sync.Mutex
			runs := make(map[string]int)

			counting := func(id string) TransformFunc {
				return func(ctx context.Context, in Inputs) (any, error) {
					mu.Lock()
					runs[id]++
					mu.Unlock()
					return id, nil
				}
			}

			b := NewBuilder("random")
			ids := make([]string, nodeCount)
			for i := 0; i < nodeCount; i++ {
				ids[i] = fmt.Sprintf("n%d", i)
				b.AddTransform(ids[i], counting(ids[i]))
			}

			bit := 0
			for i := 0; i < nodeCount; i++ {
				for j := i + 1; j < nodeCount; j++ {
					if len(edgeBits) > 0 && edgeBits[bit%len(edgeBits)] {
						b.Connect(ids[i], ids[j])
					}
					bit++
				}
			}

			graph, err := b.Build()
			if err != nil {
				return false
			}

			result, err := newTestScheduler().Execute(context.Background(), graph, nil,
				&RunConfig{MaxConcurrency: concurrency})
			if err != nil || !result.IsCompleted() {
				return false
			}
			if len(result.GetAllOutputs()) != nodeCount {
				return false
			}

			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if runs[id] != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 4),
	))

	properties.Property("dependency order holds for every edge", prop.ForAll(
		func(nodeCount int, edgeBits []bool) bool {
			tr := newTraceRecorder()

			b := NewBuilder("ordered")
			ids := make([]string, nodeCount)
			for i := 0; i < nodeCount; i++ {
				ids[i] = fmt.Sprintf("n%d", i)
				b.AddTransform(ids[i], tr.transform(ids[i], 0))
			}

			type edge struct{ from, to string }
			var edges []edge
			bit := 0
			for i := 0; i < nodeCount; i++ {
				for j := i + 1; j < nodeCount; j++ {
					if len(edgeBits) > 0 && edgeBits[bit%len(edgeBits)] {
						b.Connect(ids[i], ids[j])
						edges = append(edges, edge{ids[i], ids[j]})
					}
					bit++
				}
			}

			graph, err := b.Build()
			if err != nil {
				return false
			}
			result, err := newTestScheduler().Execute(context.Background(), graph, nil,
				&RunConfig{MaxConcurrency: 3})
			if err != nil || !result.IsCompleted() {
				return false
			}

			tr.mu.Lock()
			defer tr.mu.Unlock()
			for _, e := range edges {
				if tr.started[e.to].Before(tr.finished[e.from]) {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 7),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
