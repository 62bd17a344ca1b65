package notify

import (
	"sync"
	"time"
)

const DefaultDailyLimit = 3

// Budget caps how many notifications of one kind a key (usually a section)
// may produce per calendar day. Counters restart at local midnight.
type Budget struct {
	limit int
	now   func() time.Time

	mu     sync.Mutex
	day    string
	counts map[string]int
}

// NewBudget returns a budget allowing limit sends per key per day. A limit
// of zero or less allows everything.
func NewBudget(limit int, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	return &Budget{limit: limit, now: now, counts: map[string]int{}}
}

// Allow consumes one unit for key and reports whether the send may proceed.
func (b *Budget) Allow(key string) bool {
	if b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	today := b.now().Format("2006-01-02")
	if today != b.day {
		b.day = today
		clear(b.counts)
	}
	if b.counts[key] >= b.limit {
		return false
	}
	b.counts[key]++
	return true
}
