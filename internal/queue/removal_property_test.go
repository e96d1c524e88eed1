package queue

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Removing any subset of ids, including unknown ones, leaves exactly the set
// difference in the queue.
func TestRemovalIsSetDifference(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("queue after remove equals set difference", prop.ForAll(
		func(size int, picks []int) bool {
			ctx := context.Background()
			s, err := Open(ctx, ":memory:")
			if err != nil {
				return false
			}
			defer s.Close()

			want := map[string]bool{}
			for i := 0; i < size; i++ {
				id := fmt.Sprintf("p%03d", i)
				if err := s.Enqueue(ctx, testPoint(id, time.Duration(i)*time.Second)); err != nil {
					return false
				}
				want[id] = true
			}

			var remove []string
			for _, n := range picks {
				id := fmt.Sprintf("p%03d", n)
				remove = append(remove, id)
				delete(want, id)
			}
			if err := s.Remove(ctx, remove); err != nil {
				return false
			}

			got, err := s.DequeueBatch(ctx, size+1)
			if err != nil || len(got) != len(want) {
				return false
			}
			for _, p := range got {
				if !want[p.PointID] {
					return false
				}
			}
			return sort.SliceIsSorted(got, func(i, j int) bool {
				return got[i].Timestamp.Before(got[j].Timestamp)
			})
		},
		gen.IntRange(0, 40),
		gen.SliceOf(gen.IntRange(0, 60)),
	))

	properties.TestingRun(t)
}
