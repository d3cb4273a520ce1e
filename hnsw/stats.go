package hnsw

// Stats summarizes graph shape for introspection and the CLI.
type Stats struct {
	Nodes         int
	MaxLevel      int
	EntryPoint    uint64
	HasEntry      bool
	EdgesPerLayer []int
}

// Stats walks the node table and tallies edges per layer.
func (h *HNSW) Stats() Stats {
	s := Stats{
		Nodes:         h.count,
		MaxLevel:      h.maxLevel,
		EntryPoint:    h.entryPoint,
		HasEntry:      h.hasEntry,
		EdgesPerLayer: make([]int, h.maxLevel+1),
	}
	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		for layer := 0; layer <= n.level && layer < len(s.EdgesPerLayer); layer++ {
			s.EdgesPerLayer[layer] += len(n.neighbors[layer])
		}
	}
	return s
}
