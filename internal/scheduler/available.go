package scheduler

// Available resolves which chunks may start right now. It is a pure
// function over a snapshot of the chunk set and the locked-file set:
//
//  1. Only planned chunks are candidates.
//  2. Every dependency must have produced an integratable result
//     (complete or merged). Merge ordering is enforced separately by
//     MergeEligible; a complete-but-unmerged dependency does not block
//     a downstream chunk from starting.
//  3. None of the chunk's files may be held by another chunk.
//
// Order of the returned slice is not significant; callers must not
// depend on it.
func Available(chunks []*Chunk, locked map[string]struct{}) []*Chunk {
	integrated := make(map[string]struct{})
	for _, c := range chunks {
		if c.Status == ChunkComplete || c.Status == ChunkMerged {
			integrated[c.ID] = struct{}{}
		}
	}

	var available []*Chunk
	for _, c := range chunks {
		if c.Status != ChunkPlanned {
			continue
		}
		if !depsSatisfied(c, integrated) {
			continue
		}
		if anyFileLocked(c, locked) {
			continue
		}
		available = append(available, c.Clone())
	}
	return available
}

// MergeEligible returns complete chunks whose every dependency has
// already merged. This is what enforces integration ordering: a chunk
// may start once its dependencies are complete, but it may only merge
// once they are merged.
func MergeEligible(chunks []*Chunk) []*Chunk {
	merged := make(map[string]struct{})
	for _, c := range chunks {
		if c.Status == ChunkMerged {
			merged[c.ID] = struct{}{}
		}
	}

	var eligible []*Chunk
	for _, c := range chunks {
		if c.Status != ChunkComplete {
			continue
		}
		ok := true
		for _, dep := range c.DependsOn {
			if _, found := merged[dep]; !found {
				ok = false
				break
			}
		}
		if ok {
			eligible = append(eligible, c.Clone())
		}
	}
	return eligible
}

// AllMerged reports whether every chunk has reached the merged status.
// An empty chunk set is not considered merged.
func AllMerged(chunks []*Chunk) bool {
	if len(chunks) == 0 {
		return false
	}
	for _, c := range chunks {
		if c.Status != ChunkMerged {
			return false
		}
	}
	return true
}

func depsSatisfied(c *Chunk, integrated map[string]struct{}) bool {
	for _, dep := range c.DependsOn {
		if _, ok := integrated[dep]; !ok {
			return false
		}
	}
	return true
}

func anyFileLocked(c *Chunk, locked map[string]struct{}) bool {
	for _, f := range c.Files {
		if _, ok := locked[f]; ok {
			return true
		}
	}
	return false
}
