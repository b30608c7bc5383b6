package dialogue

import "time"

// savedWindow is how far back the sidebar looks for a saved card when
// neither of the two most recent cards is saved.
const savedWindow = 7 * 24 * time.Hour

// SidebarCards returns up to three cards for the sidebar. The first two
// slots are the most recently updated cards. The third slot is the next
// most-recent card when either of the top two is already saved;
// otherwise it is the most recent saved card within the last 7 days,
// falling back to the third most-recent card when none qualifies.
func (s *Store) SidebarCards() ([]CardSummary, error) {
	s.mu.Lock()
	entries, err := s.sortedCardsLocked()
	now := s.now()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(entries) <= 3 {
		return entries, nil
	}

	out := make([]CardSummary, 0, 3)
	out = append(out, entries[0], entries[1])

	if entries[0].Status == StatusSaved || entries[1].Status == StatusSaved {
		return append(out, entries[2]), nil
	}

	cutoff := now.Add(-savedWindow)
	for _, e := range entries[2:] {
		if e.Status == StatusSaved && e.UpdatedAt.After(cutoff) {
			return append(out, e), nil
		}
	}
	return append(out, entries[2]), nil
}
