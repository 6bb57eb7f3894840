package fleet

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

type recordingSink struct {
	mu          sync.Mutex
	transitions []string
}

func (r *recordingSink) DeviceTransition(deviceID string, from, to Status, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, deviceID+":"+string(from)+"->"+string(to))
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewTable_AllUnknown(t *testing.T) {
	tbl := NewTable([]string{"a", "b"}, nil, discardLogger())

	for _, id := range []string{"a", "b"} {
		h, ok := tbl.Get(id)
		if !ok {
			t.Fatalf("Get(%q) missing", id)
		}
		if h.Status != StatusUnknown {
			t.Errorf("device %s status = %s, want unknown", id, h.Status)
		}
	}
	if got := tbl.Healthy(); len(got) != 0 {
		t.Errorf("Healthy() = %v, want empty", got)
	}
	if got := tbl.NeedingProbe(); len(got) != 2 {
		t.Errorf("NeedingProbe() = %v, want both devices", got)
	}
}

func TestMarkHealthy_ResetsFailures(t *testing.T) {
	tbl := NewTable([]string{"a"}, nil, discardLogger())

	tbl.MarkUnhealthy("a", "push failed")
	tbl.MarkUnhealthy("a", "push failed")
	h, _ := tbl.Get("a")
	if h.ConsecutiveFailures != 2 {
		t.Fatalf("failures = %d, want 2", h.ConsecutiveFailures)
	}

	tbl.MarkHealthy("a", "recovered")
	h, _ = tbl.Get("a")
	if h.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", h.Status)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0 after recovery", h.ConsecutiveFailures)
	}
	if h.LastSuccessAt.IsZero() {
		t.Error("LastSuccessAt not set")
	}
}

func TestTransitions_SinkOnlyOnChange(t *testing.T) {
	sink := &recordingSink{}
	tbl := NewTable([]string{"a"}, sink, discardLogger())

	tbl.MarkUnhealthy("a", "x")
	tbl.MarkUnhealthy("a", "x") // same state, no transition
	tbl.MarkHealthy("a", "y")

	want := []string{"a:unknown->unhealthy", "a:unhealthy->healthy"}
	got := sink.all()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNeedingProbe_SkipsHealthy(t *testing.T) {
	tbl := NewTable([]string{"a", "b", "c"}, nil, discardLogger())
	tbl.MarkHealthy("b", "discovered")
	tbl.MarkUnhealthy("c", "probe failed")

	got := tbl.NeedingProbe()
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("NeedingProbe() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NeedingProbe()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if got := tbl.Healthy(); len(got) != 1 || got[0] != "b" {
		t.Errorf("Healthy() = %v, want [b]", got)
	}
}

func TestUnknownDeviceIgnored(t *testing.T) {
	sink := &recordingSink{}
	tbl := NewTable([]string{"a"}, sink, discardLogger())

	tbl.MarkHealthy("ghost", "should be ignored")

	if _, ok := tbl.Get("ghost"); ok {
		t.Error("ghost device should not be created implicitly")
	}
	if len(sink.all()) != 0 {
		t.Errorf("sink received transitions for unknown device: %v", sink.all())
	}
}

func TestSnapshot_SortedCopy(t *testing.T) {
	tbl := NewTable([]string{"b", "a"}, nil, discardLogger())
	snap := tbl.Snapshot()

	if len(snap) != 2 || snap[0].DeviceID != "a" || snap[1].DeviceID != "b" {
		t.Fatalf("Snapshot() = %+v, want sorted [a b]", snap)
	}

	// Mutating the snapshot must not affect the table.
	snap[0].Status = StatusHealthy
	h, _ := tbl.Get("a")
	if h.Status != StatusUnknown {
		t.Error("snapshot mutation leaked into the table")
	}
}
