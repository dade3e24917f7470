// Package story assembles work stories: connected components of accepted
// relationships strong enough to group. Grouping is free and pure, so it
// can rerun on a stored relationship set and reproduce the same stories
// byte for byte.
package story

import (
	"sort"

	"go.uber.org/zap"

	"corr/internal/evidence"
)

// Config bounds grouping. Zero values take defaults.
type Config struct {
	// GroupThreshold is the minimum edge confidence for membership.
	// Default 0.55; negative admits every edge.
	GroupThreshold float64
	// MaxMembers caps component size. Oversized components are split by
	// shedding their weakest edges. Default 50.
	MaxMembers int
}

func (c *Config) applyDefaults() {
	if c.GroupThreshold == 0 {
		c.GroupThreshold = 0.55
	} else if c.GroupThreshold < 0 {
		c.GroupThreshold = 0
	}
	if c.MaxMembers <= 0 {
		c.MaxMembers = 50
	}
}

// Grouper builds stories from relationships.
type Grouper struct {
	cfg Config
	log *zap.Logger
}

// New returns a grouper with the given bounds. log may be nil.
func New(cfg Config, log *zap.Logger) *Grouper {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Grouper{cfg: cfg, log: log}
}

// edge is one qualifying relationship inside the component graph.
type edge struct {
	a, b evidence.Fingerprint
	conf float64
}

// component is a connected set of members plus the edges that connect
// them.
type component struct {
	members []evidence.Fingerprint
	edges   []edge
}

// Group builds the stories for a relationship set. Edges below the group
// threshold are ignored, singletons are dropped, and components larger
// than the member cap are split by removing their weakest edges first.
// Output is sorted by start time, then id, and is identical across runs
// for identical input.
func (g *Grouper) Group(arena *evidence.Arena, rels []evidence.Relationship) []evidence.Story {
	edges := make([]edge, 0, len(rels))
	for _, r := range rels {
		if r.Confidence < g.cfg.GroupThreshold || r.A == r.B {
			continue
		}
		a, b := evidence.OrderPair(r.A, r.B)
		edges = append(edges, edge{a: a, b: b, conf: r.Confidence})
	}
	sortEdges(edges)

	var final []component
	split := 0
	for _, c := range components(edges) {
		if len(c.members) <= g.cfg.MaxMembers {
			final = append(final, c)
			continue
		}
		split++
		final = append(final, g.splitComponent(c)...)
	}

	stories := make([]evidence.Story, 0, len(final))
	for _, c := range final {
		if len(c.members) < 2 {
			continue
		}
		tmin, tmax := arena.Span(c.members)
		st := evidence.Story{
			ID:           evidence.StoryID(c.members),
			Members:      c.members,
			TMin:         tmin,
			TMax:         tmax,
			Title:        deriveTitle(arena, c),
			MemberCount:  len(c.members),
			SourceCounts: sourceCounts(arena, c.members),
		}
		stories = append(stories, st)
	}
	sort.Slice(stories, func(i, j int) bool {
		if !stories[i].TMin.Equal(stories[j].TMin) {
			return stories[i].TMin.Before(stories[j].TMin)
		}
		return stories[i].ID < stories[j].ID
	})
	g.log.Debug("grouped stories",
		zap.Int("edges", len(edges)),
		zap.Int("stories", len(stories)),
		zap.Int("split_components", split))
	return stories
}

// splitComponent sheds the weakest edges of an oversized component until
// every remaining sub-component fits the member cap. Edges leave in
// ascending (confidence, endpoints) order; the predicate is monotone in
// the number removed, so the minimal prefix is found by bisection.
func (g *Grouper) splitComponent(c component) []component {
	lo, hi := 0, len(c.edges)
	for lo < hi {
		mid := (lo + hi) / 2
		if g.fits(c.edges[mid:]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return components(c.edges[lo:])
}

// fits reports whether the graph over the given edges has no component
// larger than the member cap.
func (g *Grouper) fits(edges []edge) bool {
	uf := newUnionFind()
	for _, e := range edges {
		if uf.union(e.a, e.b) > g.cfg.MaxMembers {
			return false
		}
	}
	return true
}

// components groups edges into connected components. Members come out in
// ascending fingerprint order and components in ascending order of their
// smallest member.
func components(edges []edge) []component {
	uf := newUnionFind()
	for _, e := range edges {
		uf.union(e.a, e.b)
	}

	nodes := make([]evidence.Fingerprint, 0, len(uf.parent))
	for fp := range uf.parent {
		nodes = append(nodes, fp)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	byRoot := make(map[evidence.Fingerprint]*component)
	var out []component
	order := make([]evidence.Fingerprint, 0, len(nodes))
	for _, fp := range nodes {
		root := uf.find(fp)
		c, ok := byRoot[root]
		if !ok {
			c = &component{}
			byRoot[root] = c
			order = append(order, root)
		}
		c.members = append(c.members, fp)
	}
	for _, e := range edges {
		byRoot[uf.find(e.a)].edges = append(byRoot[uf.find(e.a)].edges, e)
	}
	for _, root := range order {
		out = append(out, *byRoot[root])
	}
	return out
}

// deriveTitle picks a story title. A tracker item wins when present, the
// one whose strongest incident edge is highest; otherwise the longest
// title among the three best-connected members.
func deriveTitle(arena *evidence.Arena, c component) string {
	strongest := make(map[evidence.Fingerprint]float64, len(c.members))
	degree := make(map[evidence.Fingerprint]int, len(c.members))
	for _, e := range c.edges {
		degree[e.a]++
		degree[e.b]++
		if e.conf > strongest[e.a] {
			strongest[e.a] = e.conf
		}
		if e.conf > strongest[e.b] {
			strongest[e.b] = e.conf
		}
	}

	bestConf := -1.0
	var bestTitle string
	for _, fp := range c.members {
		it := arena.Get(fp)
		if it == nil || !it.Kind.IsTracker() || it.Title == "" {
			continue
		}
		if conf := strongest[fp]; conf > bestConf {
			bestConf = conf
			bestTitle = it.Title
		}
	}
	if bestTitle != "" {
		return bestTitle
	}

	ranked := make([]evidence.Fingerprint, len(c.members))
	copy(ranked, c.members)
	sort.Slice(ranked, func(i, j int) bool {
		if degree[ranked[i]] != degree[ranked[j]] {
			return degree[ranked[i]] > degree[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	var title string
	for _, fp := range ranked {
		it := arena.Get(fp)
		if it == nil {
			continue
		}
		if len([]rune(it.Title)) > len([]rune(title)) {
			title = it.Title
		}
	}
	return title
}

func sourceCounts(arena *evidence.Arena, members []evidence.Fingerprint) map[string]int {
	counts := make(map[string]int)
	for _, fp := range members {
		if it := arena.Get(fp); it != nil {
			counts[it.Source]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

// sortEdges orders edges ascending by (confidence, endpoints), the order
// in which splitting sheds them.
func sortEdges(edges []edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].conf != edges[j].conf {
			return edges[i].conf < edges[j].conf
		}
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		return edges[i].b < edges[j].b
	})
}

// unionFind is a plain disjoint-set forest with union by size.
type unionFind struct {
	parent map[evidence.Fingerprint]evidence.Fingerprint
	size   map[evidence.Fingerprint]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[evidence.Fingerprint]evidence.Fingerprint),
		size:   make(map[evidence.Fingerprint]int),
	}
}

func (u *unionFind) add(fp evidence.Fingerprint) {
	if _, ok := u.parent[fp]; !ok {
		u.parent[fp] = fp
		u.size[fp] = 1
	}
}

func (u *unionFind) find(fp evidence.Fingerprint) evidence.Fingerprint {
	u.add(fp)
	for u.parent[fp] != fp {
		u.parent[fp] = u.parent[u.parent[fp]]
		fp = u.parent[fp]
	}
	return fp
}

// union joins the two sets and returns the size of the merged set.
func (u *unionFind) union(a, b evidence.Fingerprint) int {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return u.size[ra]
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
	return u.size[ra]
}
