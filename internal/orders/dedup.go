package orders

import (
	"sort"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// Deduplicate merges local and remote activity. Records with the same order
// hash, or the same transaction hash when there is no order hash, collapse
// into one; the remote copy wins when both exist. The result is newest first.
func Deduplicate(local, remote []domain.ActivityRecord) []domain.ActivityRecord {
	merged := make(map[string]domain.ActivityRecord, len(local)+len(remote))
	for _, r := range local {
		merged[r.DedupKey()] = r
	}
	for _, r := range remote {
		merged[r.DedupKey()] = r
	}

	out := make([]domain.ActivityRecord, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
