package session

import (
	"testing"
	"time"
)

func newTestRegistry(watched ...string) *Registry {
	return NewRegistry(watched, testLogger())
}

func addSession(t *testing.T, r *Registry, ext string) *Session {
	t.Helper()
	s, _ := newTestSession(ext)
	if err := r.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return s
}

func TestAddDuplicateID(t *testing.T) {
	r := newTestRegistry("7000")
	s := addSession(t, r, "7000")
	if err := r.Add(s); err == nil {
		t.Error("Add with duplicate id succeeded, want error")
	}
}

func TestResolveBySSRC(t *testing.T) {
	r := newTestRegistry("7000")
	a := addSession(t, r, "7000")
	b := addSession(t, r, "7000")
	a.ObserveSSRC(111)
	b.ObserveSSRC(222)

	if got := r.Resolve(222, 40000); got != b {
		t.Errorf("Resolve(222) = %v, want session b", got)
	}
	if got := r.Resolve(111, 40001); got != a {
		t.Errorf("Resolve(111) = %v, want session a", got)
	}
}

func TestResolveByPort(t *testing.T) {
	r := newTestRegistry("7000")
	a := addSession(t, r, "7000")
	b := addSession(t, r, "7000")
	a.ObserveSSRC(111)
	a.LearnSourcePort(41000)
	b.ObserveSSRC(222)
	b.LearnSourcePort(42000)

	// Unknown SSRC, but a known source port: port rule wins, and the new
	// SSRC becomes the session's second stream.
	got := r.Resolve(999, 41000)
	if got != a {
		t.Fatalf("Resolve by port = %v, want session a", got)
	}
	if !a.HasSSRC(999) {
		t.Error("port-matched SSRC was not attributed to the session")
	}
}

func TestResolveSingleSessionFallback(t *testing.T) {
	r := newTestRegistry("7000")
	s := addSession(t, r, "7000")

	// First datagram with an unseen SSRC assigns the primary.
	if got := r.Resolve(12345, 40000); got != s {
		t.Fatalf("Resolve = %v, want the only session", got)
	}
	if p, ok := s.PrimarySSRC(); !ok || p != 12345 {
		t.Errorf("primary = (%d, %v), want (12345, true)", p, ok)
	}

	// A second distinct SSRC is the reverse direction, not a rejection.
	if got := r.Resolve(54321, 40000); got != s {
		t.Fatalf("Resolve with second SSRC = %v, want the only session", got)
	}
	if s.SSRCCount() != 2 {
		t.Errorf("ssrc count = %d, want 2", s.SSRCCount())
	}

	// A third distinct SSRC still resolves but is not appended.
	if got := r.Resolve(77777, 40000); got != s {
		t.Fatalf("Resolve with third SSRC = %v, want the only session", got)
	}
	if s.SSRCCount() != 2 {
		t.Errorf("ssrc count after anomaly = %d, want 2", s.SSRCCount())
	}
}

func TestResolvePrefersUnassignedSession(t *testing.T) {
	r := newTestRegistry("7000")
	a := addSession(t, r, "7000")
	a.StartTime = a.StartTime.Add(-time.Second) // a is older
	b := addSession(t, r, "7000")
	a.ObserveSSRC(111)

	// b has no primary yet, so the unseen SSRC goes to b.
	if got := r.Resolve(999, 40000); got != b {
		t.Errorf("Resolve = %v, want session without primary", got)
	}
}

func TestResolvePrefersSingleStreamSession(t *testing.T) {
	r := newTestRegistry("7000")
	a := addSession(t, r, "7000")
	a.StartTime = a.StartTime.Add(-time.Second)
	b := addSession(t, r, "7000")
	a.ObserveSSRC(111)
	a.ObserveSSRC(112)
	b.ObserveSSRC(222)

	// Both have primaries; b carries one stream, so it gets the reverse
	// direction candidate.
	if got := r.Resolve(999, 40000); got != b {
		t.Errorf("Resolve = %v, want the single-stream session", got)
	}
	if !b.HasSSRC(999) {
		t.Error("second direction SSRC not attributed")
	}
}

func TestResolveNoCandidates(t *testing.T) {
	r := newTestRegistry("7000")
	a := addSession(t, r, "7000")
	b := addSession(t, r, "7000")
	a.ObserveSSRC(111)
	a.ObserveSSRC(112)
	b.ObserveSSRC(221)
	b.ObserveSSRC(222)

	if got := r.Resolve(999, 40000); got != nil {
		t.Errorf("Resolve with all sessions saturated = %v, want nil", got)
	}
}

func TestResolveSkipsClosingSessions(t *testing.T) {
	r := newTestRegistry("7000")
	s := addSession(t, r, "7000")
	s.ObserveSSRC(111)
	s.BeginClose()

	if got := r.Resolve(111, 40000); got != nil {
		t.Errorf("Resolve matched a closing session: %v", got)
	}
}

func TestResolveSkipsUnwatchedExtensions(t *testing.T) {
	r := newTestRegistry("7000")
	s, _ := newTestSession("9999") // not in the watched set
	if err := r.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.ObserveSSRC(111)

	if got := r.Resolve(111, 40000); got != nil {
		t.Errorf("Resolve matched an unwatched extension: %v", got)
	}
}

func TestResolveEmptyRegistry(t *testing.T) {
	r := newTestRegistry("7000")
	if got := r.Resolve(111, 40000); got != nil {
		t.Errorf("Resolve on empty registry = %v, want nil", got)
	}
}

func TestLegLookups(t *testing.T) {
	r := newTestRegistry("7000")
	s := addSession(t, r, "7000")
	s.SetCallLegID("chan-call")
	s.SetMediaLegID("chan-media")
	r.MapCallLeg("chan-call", s.ID)
	r.MapMediaLeg("chan-media", s.ID)

	if got := r.ByCallLeg("chan-call"); got != s {
		t.Errorf("ByCallLeg = %v, want session", got)
	}
	if got := r.ByMediaLeg("chan-media"); got != s {
		t.Errorf("ByMediaLeg = %v, want session", got)
	}
	if got := r.ByChannel("chan-call"); got != s {
		t.Errorf("ByChannel(call leg) = %v, want session", got)
	}
	if got := r.ByChannel("chan-media"); got != s {
		t.Errorf("ByChannel(media leg) = %v, want session", got)
	}
	if got := r.ByChannel("unknown"); got != nil {
		t.Errorf("ByChannel(unknown) = %v, want nil", got)
	}
}

func TestByBridge(t *testing.T) {
	r := newTestRegistry("7000")
	a := addSession(t, r, "7000")
	addSession(t, r, "7000")
	a.SetBridgeID("bridge-1")

	got := r.ByBridge("bridge-1")
	if len(got) != 1 || got[0] != a {
		t.Errorf("ByBridge = %v, want [a]", got)
	}
}

func TestMarkClosingAndEvict(t *testing.T) {
	r := newTestRegistry("7000")
	s := addSession(t, r, "7000")
	r.MapCallLeg("leg", s.ID)

	if got := r.MarkClosing(s.ID); got != s {
		t.Fatalf("MarkClosing = %v, want session", got)
	}
	if got := r.MarkClosing(s.ID); got != nil {
		t.Errorf("second MarkClosing = %v, want nil", got)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("active count after close = %d, want 0", r.ActiveCount())
	}

	r.Evict(s.ID)
	if r.Get(s.ID) != nil {
		t.Error("session still present after Evict")
	}
	if r.ByCallLeg("leg") != nil {
		t.Error("leg mapping survived Evict")
	}

	// Evicting twice is harmless.
	r.Evict(s.ID)
}

func TestMarkClosingUnknown(t *testing.T) {
	r := newTestRegistry("7000")
	if got := r.MarkClosing("nope"); got != nil {
		t.Errorf("MarkClosing(unknown) = %v, want nil", got)
	}
}
