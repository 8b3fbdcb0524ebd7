package workflow

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/loomhq/loom/types"
)

func TestGraph_ForwardEdgesAlwaysValidate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "nodes")

		g := NewGraph("forward", nil)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("n%d", i)
			if err := g.AddNode(transformNode(ids[i])); err != nil {
				t.Fatalf("add node: %v", err)
			}
		}

		// Edges from lower to higher index cannot form a cycle.
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", i, j)) {
					if err := g.Connect(ids[i], ids[j]); err != nil {
						t.Fatalf("connect: %v", err)
					}
				}
			}
		}

		if err := g.Validate(); err != nil {
			t.Fatalf("acyclic graph rejected: %v", err)
		}
	})
}

func TestGraph_BackEdgeAlwaysDetected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 10).Draw(t, "nodes")

		g := NewGraph("cyclic", nil)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("n%d", i)
			if err := g.AddNode(transformNode(ids[i])); err != nil {
				t.Fatalf("add node: %v", err)
			}
		}

		// A chain plus one random back edge closes a cycle.
		for i := 0; i < n-1; i++ {
			if err := g.Connect(ids[i], ids[i+1]); err != nil {
				t.Fatalf("connect: %v", err)
			}
		}
		to := rapid.IntRange(0, n-2).Draw(t, "backTarget")
		from := rapid.IntRange(to+1, n-1).Draw(t, "backSource")
		if err := g.Connect(ids[from], ids[to]); err != nil {
			t.Fatalf("connect back edge: %v", err)
		}

		err := g.Validate()
		if err == nil {
			t.Fatalf("cycle not detected")
		}
		if types.GetErrorCode(err) != types.ErrCycleDetected {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
