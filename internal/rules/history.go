package rules

import (
	"container/ring"
	"sort"
	"sync"
	"time"
)

const DefaultHistorySize = 10000

// Match is one rule hit kept for later inspection.
type Match struct {
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Source   string    `json:"source"`
	ThreatID string    `json:"threat_id"`
	At       time.Time `json:"at"`
}

// Count pairs a key with how often it occurs in the history.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// History is a fixed-size buffer of the most recent matches. Once full the
// oldest match is overwritten.
type History struct {
	mu    sync.Mutex
	r     *ring.Ring
	size  int
	len   int
	total uint64
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{r: ring.New(size), size: size}
}

func (h *History) Add(m Match) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.r.Value = m
	h.r = h.r.Next()
	if h.len < h.size {
		h.len++
	}
	h.total++
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.len
}

// Total counts every match ever added, including overwritten ones.
func (h *History) Total() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Recent returns up to n matches, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Match {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > h.len {
		n = h.len
	}
	out := make([]Match, 0, n)
	for p := h.r.Prev(); len(out) < n; p = p.Prev() {
		out = append(out, p.Value.(Match))
	}
	return out
}

func (h *History) top(n int, key func(Match) string) []Count {
	h.mu.Lock()
	counts := make(map[string]int)
	h.r.Do(func(v interface{}) {
		if m, ok := v.(Match); ok {
			counts[key(m)]++
		}
	})
	h.mu.Unlock()
	return TopN(counts, n)
}

func (h *History) TopRules(n int) []Count {
	return h.top(n, func(m Match) string { return m.RuleID })
}

func (h *History) TopSources(n int) []Count {
	return h.top(n, func(m Match) string { return m.Source })
}

// TopN sorts counts descending, ties by key, and keeps the first n.
func TopN(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, Count{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
