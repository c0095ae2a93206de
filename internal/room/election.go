package room

import "sort"

// Elect picks the host among present peer ids. Election is sticky: the
// current host keeps the role while present; otherwise the smallest id wins.
// Duplicate ids are assumed not to occur.
func Elect(current string, present []string) string {
	if len(present) == 0 {
		return ""
	}
	for _, id := range present {
		if current != "" && id == current {
			return current
		}
	}
	ids := append([]string(nil), present...)
	sort.Strings(ids)
	return ids[0]
}

// SortMembers orders members by peer id, dropping duplicate ids.
func SortMembers(in []Member) []Member {
	seen := make(map[string]struct{}, len(in))
	out := make([]Member, 0, len(in))
	for _, m := range in {
		if m.PeerID == "" {
			continue
		}
		if _, ok := seen[m.PeerID]; ok {
			continue
		}
		seen[m.PeerID] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
