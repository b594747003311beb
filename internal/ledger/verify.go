package ledger

import "fmt"

// VerifyResult reports the first discrepancy found, if any. BrokenAtIndex
// is relative to the verified slice.
type VerifyResult struct {
	Valid            bool    `json:"valid"`
	Checked          int     `json:"checked"`
	BrokenAtIndex    *int    `json:"broken_at_index,omitempty"`
	BrokenAtSequence *uint64 `json:"broken_at_sequence,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

func broken(entries []*Entry, i int, reason string) VerifyResult {
	idx := i
	seq := entries[i].Sequence
	return VerifyResult{
		Valid:            false,
		Checked:          i + 1,
		BrokenAtIndex:    &idx,
		BrokenAtSequence: &seq,
		Reason:           reason,
	}
}

// VerifyChain checks that every entry links to its predecessor and that
// every stored hash matches its recomputed value.
func VerifyChain(entries []*Entry) VerifyResult {
	return verify(entries, "")
}

// VerifyFrom is VerifyChain with the first entry additionally required to
// link to anchor (GenesisHash for a chain's first entry).
func VerifyFrom(entries []*Entry, anchor string) VerifyResult {
	return verify(entries, anchor)
}

func verify(entries []*Entry, anchor string) VerifyResult {
	for i, e := range entries {
		switch {
		case i == 0 && anchor != "" && e.PreviousHash != anchor:
			return broken(entries, i, "first entry does not link to its predecessor")
		case i > 0 && e.PreviousHash != entries[i-1].Hash:
			return broken(entries, i, fmt.Sprintf("previous hash does not match entry %d", i-1))
		}

		want, err := ComputeHash(e.Data, e.Timestamp, e.PreviousHash)
		if err != nil {
			return broken(entries, i, err.Error())
		}
		if want != e.Hash {
			return broken(entries, i, "stored hash does not match contents")
		}
	}
	return VerifyResult{Valid: true, Checked: len(entries)}
}
