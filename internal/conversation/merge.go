package conversation

import (
	"sort"
	"strings"
)

func sortFragments(frags []StagedFragment) []StagedFragment {
	sorted := make([]StagedFragment, len(frags))
	copy(sorted, frags)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ReceivedAt != sorted[j].ReceivedAt {
			return sorted[i].ReceivedAt < sorted[j].ReceivedAt
		}
		return sorted[i].MessageSID < sorted[j].MessageSID
	})
	return sorted
}

// MergeFragments orders the staged fragments by arrival time, with the
// message SID breaking ties, and joins their bodies into the single user
// message handed to the AI. Ordering on received_at keeps rapid-fire
// fragments in the order the participant sent them.
func MergeFragments(frags []StagedFragment) string {
	sorted := sortFragments(frags)
	bodies := make([]string, len(sorted))
	for i, frag := range sorted {
		bodies[i] = frag.Body
	}
	return strings.Join(bodies, "\n")
}

// FirstFragment returns the earliest fragment under the merge ordering. Its
// SID identifies the merged user turn in the committed history.
func FirstFragment(frags []StagedFragment) StagedFragment {
	if len(frags) == 0 {
		return StagedFragment{}
	}
	return sortFragments(frags)[0]
}

// FragmentSIDs extracts the staging sort keys, used for cleanup after a
// successful commit.
func FragmentSIDs(frags []StagedFragment) []string {
	sids := make([]string, 0, len(frags))
	for _, frag := range frags {
		sids = append(sids, frag.MessageSID)
	}
	return sids
}
