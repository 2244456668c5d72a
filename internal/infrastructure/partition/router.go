package partition

import (
	"github.com/cespare/xxhash/v2"
	"github.com/saas/backend/internal/domain/mutation"
)

// Router maps mutations to partitions. A partition is one subject, so every
// mutation of a subject is applied in submission order.
type Router struct {
	laneCount int
}

// NewRouter creates a Router. laneCount > 0 folds partitions onto that many
// hashed lanes; 0 gives every partition its own lane.
func NewRouter(laneCount int) *Router {
	if laneCount < 0 {
		laneCount = 0
	}
	return &Router{laneCount: laneCount}
}

// Route returns the partition of m: its subject id.
func (r *Router) Route(m *mutation.Mutation) string {
	return m.SubjectID.String()
}

// Hashed reports whether partitions share a fixed set of lanes
func (r *Router) Hashed() bool {
	return r.laneCount > 0
}

// LaneCount returns the number of hashed lanes, 0 in dedicated mode
func (r *Router) LaneCount() int {
	return r.laneCount
}

// Lane returns the hashed lane index of partitionID. It is stable for a given
// lane count. In dedicated mode it is always 0.
func (r *Router) Lane(partitionID string) int {
	if r.laneCount <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(partitionID) % uint64(r.laneCount))
}
