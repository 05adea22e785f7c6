package core

import (
	"hash/fnv"
	"sort"
	"sync"
)

const gateStripes = 64

// commitGate orders the publication of committed events per inventory record.
// A transaction takes the stripes of every record it touched just before
// COMMIT and releases them after its events are enqueued. A later transaction
// on the same record can only reach COMMIT after the earlier one released the
// row lock, so it queues behind the earlier publisher. The gate never guards
// data: the row lock does that.
type commitGate struct {
	stripes [gateStripes]sync.Mutex
}

func stripeOf(inventoryID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(inventoryID))
	return int(h.Sum32() % gateStripes)
}

// enter locks the stripes for ids in ascending order and returns the release func.
func (g *commitGate) enter(ids []string) func() {
	seen := make(map[int]struct{}, len(ids))
	stripes := make([]int, 0, len(ids))
	for _, id := range ids {
		s := stripeOf(id)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		stripes = append(stripes, s)
	}
	sort.Ints(stripes)

	for _, s := range stripes {
		g.stripes[s].Lock()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(stripes) - 1; i >= 0; i-- {
				g.stripes[stripes[i]].Unlock()
			}
		})
	}
}
