package matching

import "sort"

// Match is a transient candidate/job pairing that passed the similarity floor.
type Match struct {
	CandidateID string
	JobID       string
	Similarity  float64
	Score       int
}

// Matches is the set of matches of one candidate.
type Matches struct {
	Items []*Match
}

func (m *Matches) Len() int {
	return len(m.Items)
}

// JobIDs returns job ids in current order.
func (m *Matches) JobIDs() []string {
	ids := make([]string, 0, len(m.Items))
	for _, match := range m.Items {
		ids = append(ids, match.JobID)
	}
	return ids
}

// Ranked sorts the matches by score descending in place. Ties keep their input order.
func (m *Matches) Ranked() *Matches {
	sort.SliceStable(m.Items, func(i, j int) bool {
		return m.Items[i].Score > m.Items[j].Score
	})
	return m
}

// Exclude removes matches whose job id is in targets, preserving order,
// and returns the removed job ids.
func (m *Matches) Exclude(targets []string) []string {
	if len(targets) == 0 {
		return nil
	}

	drop := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		drop[t] = struct{}{}
	}

	return m.RemoveFunc(func(match *Match) bool {
		_, ok := drop[match.JobID]
		return ok
	})
}

// RemoveFunc removes matches for which fn returns true, preserving order,
// and returns the removed job ids.
func (m *Matches) RemoveFunc(fn func(*Match) bool) []string {
	var removed []string
	kept := m.Items[:0]
	for _, match := range m.Items {
		if fn(match) {
			removed = append(removed, match.JobID)
			continue
		}
		kept = append(kept, match)
	}
	m.Items = kept
	return removed
}
