// Package timeline merges a consultation's fetched history with live
// message:new events on the client side.
//
// History and live events overlap whenever a client subscribes before its
// history fetch returns. Confirmed messages are keyed by their log position
// (seq), so applying the same message twice is harmless and the merged view
// is always in log order. Messages the user has sent but the server has not
// yet confirmed are held as pending entries keyed by their client id and are
// retired when the confirmed copy arrives.
package timeline

import (
	"sort"
	"sync"
	"time"
)

type Entry struct {
	Seq       int       `json:"seq,omitempty"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	ClientID  string    `json:"clientId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Pending   bool      `json:"pending,omitempty"`
}

type Timeline struct {
	mu        sync.Mutex
	confirmed map[int]Entry
	pending   []Entry
}

func New() *Timeline {
	return &Timeline{confirmed: make(map[int]Entry)}
}

// LoadHistory merges a fetched log. It may be called before or after live
// events have been applied.
func (t *Timeline) LoadHistory(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		t.confirmLocked(e)
	}
}

// Apply merges one live event and reports whether it was new.
func (t *Timeline) Apply(e Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmLocked(e)
}

func (t *Timeline) confirmLocked(e Entry) bool {
	if e.Seq <= 0 {
		return false
	}
	if e.ClientID != "" {
		t.retireLocked(e.ClientID)
	}
	if _, seen := t.confirmed[e.Seq]; seen {
		return false
	}
	e.Pending = false
	t.confirmed[e.Seq] = e
	return true
}

func (t *Timeline) retireLocked(clientID string) bool {
	for i, p := range t.pending {
		if p.ClientID == clientID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}

// AddPending records an optimistic local message. Entries without a client
// id cannot be reconciled and are ignored.
func (t *Timeline) AddPending(clientID, sender, text string, at time.Time) bool {
	if clientID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.confirmed {
		if c.ClientID == clientID {
			return false
		}
	}
	for _, p := range t.pending {
		if p.ClientID == clientID {
			return false
		}
	}
	t.pending = append(t.pending, Entry{Sender: sender, Text: text, ClientID: clientID, Timestamp: at, Pending: true})
	return true
}

// Fail drops a pending message the server rejected.
func (t *Timeline) Fail(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retireLocked(clientID)
}

// Entries returns confirmed messages in log order followed by pending ones
// in the order they were sent.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	for _, e := range t.confirmed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return append(out, t.pending...)
}

// LastSeq is the highest confirmed log position.
func (t *Timeline) LastSeq() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	last := 0
	for seq := range t.confirmed {
		if seq > last {
			last = seq
		}
	}
	return last
}

// Gaps lists log positions below LastSeq that have not been seen. A
// non-empty result means a broadcast was missed and history should be
// fetched again.
func (t *Timeline) Gaps() []int {
	last := t.LastSeq()

	t.mu.Lock()
	defer t.mu.Unlock()
	var gaps []int
	for seq := 1; seq < last; seq++ {
		if _, ok := t.confirmed[seq]; !ok {
			gaps = append(gaps, seq)
		}
	}
	return gaps
}
