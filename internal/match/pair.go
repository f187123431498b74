package match

import (
	"context"
	"sort"
)

// Candidate is a proposed pairing of two waiting participants.
type Candidate struct {
	SessionA     string
	SessionB     string
	SharedTopics []string
	Score        float64 // Jaccard similarity of the two topic sets
}

// CompatibilityScore is |shared| / |union| of the two topic sets. Identical
// sets score 1.0; disjoint sets score 0.
func CompatibilityScore(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	union := make(map[string]bool, len(a)+len(b))
	for _, t := range a {
		setA[t] = true
		union[t] = true
	}
	shared := 0
	seenB := make(map[string]bool, len(b))
	for _, t := range b {
		union[t] = true
		if seenB[t] {
			continue
		}
		seenB[t] = true
		if setA[t] {
			shared++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(shared) / float64(len(union))
}

// TryExactMatch attempts tier-1 pairing: another waiter with an identical
// topic set (same hash). Returns nil if none is available.
func (q *Queue) TryExactMatch(ctx context.Context, sessionID string) (*Candidate, error) {
	w, err := q.GetWaiter(ctx, sessionID)
	if err != nil || w == nil {
		return nil, err
	}

	candidates, err := q.ExactCandidates(ctx, w.Hash)
	if err != nil {
		return nil, err
	}

	for _, candidateID := range candidates {
		if candidateID == sessionID {
			continue
		}

		// Validate the candidate is still in the global queue.
		waiting, err := q.IsWaiting(ctx, candidateID)
		if err != nil || !waiting {
			continue // stale entry, TTL expiry will remove it
		}

		shared := append([]string(nil), w.Topics...)
		sort.Strings(shared)
		return &Candidate{
			SessionA:     sessionID,
			SessionB:     candidateID,
			SharedTopics: shared,
			Score:        1.0, // identical sets
		}, nil
	}

	return nil, nil
}

// TryOverlapMatch attempts tier-2 pairing: scan per-topic sets and take the
// candidate sharing the most topics. Returns nil if no overlapping waiter
// is available.
func (q *Queue) TryOverlapMatch(ctx context.Context, sessionID string) (*Candidate, error) {
	w, err := q.GetWaiter(ctx, sessionID)
	if err != nil || w == nil {
		return nil, err
	}

	// Count how many topics each candidate shares with us.
	counts := make(map[string]int)
	sharedTopics := make(map[string]map[string]bool)

	for _, topic := range w.Topics {
		members, err := q.TopicCandidates(ctx, topic)
		if err != nil {
			continue
		}
		for _, memberID := range members {
			if memberID == sessionID {
				continue
			}
			counts[memberID]++
			if sharedTopics[memberID] == nil {
				sharedTopics[memberID] = make(map[string]bool)
			}
			sharedTopics[memberID][topic] = true
		}
	}

	if len(counts) == 0 {
		return nil, nil
	}

	// Rank candidates by overlap count (descending).
	type scored struct {
		id    string
		count int
	}
	ranked := make([]scored, 0, len(counts))
	for id, count := range counts {
		ranked = append(ranked, scored{id, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].id < ranked[j].id
	})

	// Take the first candidate that is still waiting.
	for _, candidate := range ranked {
		waiting, err := q.IsWaiting(ctx, candidate.id)
		if err != nil || !waiting {
			continue
		}

		other, err := q.GetWaiter(ctx, candidate.id)
		if err != nil || other == nil {
			continue
		}

		shared := make([]string, 0, candidate.count)
		for topic := range sharedTopics[candidate.id] {
			shared = append(shared, topic)
		}
		sort.Strings(shared)

		return &Candidate{
			SessionA:     sessionID,
			SessionB:     candidate.id,
			SharedTopics: shared,
			Score:        CompatibilityScore(w.Topics, other.Topics),
		}, nil
	}

	return nil, nil
}
