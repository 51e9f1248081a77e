package timeline

import (
	"testing"
	"time"
)

func msg(seq int, text string) Entry {
	return Entry{Seq: seq, Sender: "patient", Text: text, Timestamp: time.Unix(int64(seq), 0)}
}

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTimeline_HistoryThenLive(t *testing.T) {
	tl := New()
	tl.LoadHistory([]Entry{msg(1, "a"), msg(2, "b")})
	tl.Apply(msg(3, "c"))

	if got := texts(tl.Entries()); !equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestTimeline_OverlapIsDeduplicated(t *testing.T) {
	tl := New()
	// Subscribed first: live events 3 and 4 land before history returns.
	tl.Apply(msg(3, "c"))
	tl.Apply(msg(4, "d"))
	tl.LoadHistory([]Entry{msg(1, "a"), msg(2, "b"), msg(3, "c")})

	if got := texts(tl.Entries()); !equal(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("expected complete ordered log, got %v", got)
	}
	if gaps := tl.Gaps(); len(gaps) != 0 {
		t.Fatalf("expected no gaps, got %v", gaps)
	}
}

func TestTimeline_ApplyReportsDuplicates(t *testing.T) {
	tl := New()
	if !tl.Apply(msg(1, "a")) {
		t.Fatal("expected first apply to be new")
	}
	if tl.Apply(msg(1, "a")) {
		t.Fatal("expected repeat to be ignored")
	}
	if tl.Apply(Entry{Text: "no seq"}) {
		t.Fatal("expected entry without seq to be ignored")
	}
}

func TestTimeline_PendingReconciledByClientID(t *testing.T) {
	tl := New()
	tl.LoadHistory([]Entry{msg(1, "hello")})

	if !tl.AddPending("c-1", "patient", "how are you", time.Now()) {
		t.Fatal("expected pending to be added")
	}
	entries := tl.Entries()
	if len(entries) != 2 || !entries[1].Pending {
		t.Fatalf("expected trailing pending entry, got %+v", entries)
	}

	confirmed := msg(2, "how are you")
	confirmed.ClientID = "c-1"
	tl.Apply(confirmed)

	entries = tl.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected pending to be replaced, got %+v", entries)
	}
	if entries[1].Pending || entries[1].Seq != 2 {
		t.Fatalf("expected confirmed entry at seq 2, got %+v", entries[1])
	}
}

func TestTimeline_PendingAfterConfirmIsIgnored(t *testing.T) {
	tl := New()
	confirmed := msg(1, "hi")
	confirmed.ClientID = "c-1"
	tl.Apply(confirmed)

	if tl.AddPending("c-1", "patient", "hi", time.Now()) {
		t.Fatal("expected already confirmed client id to be rejected")
	}
	if tl.AddPending("", "patient", "hi", time.Now()) {
		t.Fatal("expected empty client id to be rejected")
	}
}

func TestTimeline_Fail(t *testing.T) {
	tl := New()
	tl.AddPending("c-1", "doctor", "note", time.Now())
	if !tl.Fail("c-1") {
		t.Fatal("expected pending message to be dropped")
	}
	if len(tl.Entries()) != 0 {
		t.Fatal("expected empty timeline")
	}
	if tl.Fail("c-1") {
		t.Fatal("expected second fail to report nothing")
	}
}

func TestTimeline_Gaps(t *testing.T) {
	tl := New()
	tl.Apply(msg(1, "a"))
	tl.Apply(msg(4, "d"))

	gaps := tl.Gaps()
	if len(gaps) != 2 || gaps[0] != 2 || gaps[1] != 3 {
		t.Fatalf("expected gaps [2 3], got %v", gaps)
	}
	if tl.LastSeq() != 4 {
		t.Fatalf("expected last seq 4, got %d", tl.LastSeq())
	}
}
