package evidence

import (
	"hash/fnv"
	"sort"
	"time"
)

// Story is a connected component of related evidence: one coherent piece
// of work spanning sources. Members are fingerprints resolved through the
// run's arena.
type Story struct {
	ID           string         `json:"id"`
	Members      []Fingerprint  `json:"members"`
	TMin         time.Time      `json:"t_min"`
	TMax         time.Time      `json:"t_max"`
	Title        string         `json:"title"`
	MemberCount  int            `json:"member_count"`
	SourceCounts map[string]int `json:"source_counts,omitempty"`
}

// StoryID derives the stable id of a story from its member fingerprints.
// Members are hashed in ascending order, so the id is identical across
// runs and machines for the same component regardless of discovery order.
func StoryID(members []Fingerprint) string {
	sorted := make([]Fingerprint, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	h := fnv.New64a()
	var buf [8]byte
	for _, fp := range sorted {
		v := uint64(fp)
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	return Fingerprint(h.Sum64()).String()
}
