package session

import "testing"

func TestRuntime_NextSeqIncrementsFromZero(t *testing.T) {
	rt := NewRuntime(4)
	if got := rt.NextSeq(); got != 0 {
		t.Fatalf("expected first seq 0, got %d", got)
	}
	if got := rt.NextSeq(); got != 1 {
		t.Fatalf("expected second seq 1, got %d", got)
	}
}

func TestRuntime_SeedSeqOnlyMovesForward(t *testing.T) {
	rt := NewRuntime(4)
	rt.SeedSeq(10)
	if got := rt.NextSeq(); got != 10 {
		t.Fatalf("expected seeded seq 10, got %d", got)
	}
	rt.SeedSeq(3)
	if got := rt.NextSeq(); got != 11 {
		t.Fatalf("expected SeedSeq(3) to be a no-op after seeding 10, got %d", got)
	}
}

func TestRuntime_PendingInputFIFO(t *testing.T) {
	rt := NewRuntime(4)
	if rt.HasPendingInput() {
		t.Fatal("expected no pending input initially")
	}
	rt.EnqueueInput("first")
	rt.EnqueueInput("second")

	got, ok := rt.DequeueInput()
	if !ok || got.Text != "first" {
		t.Fatalf("expected first queued input, got %+v ok=%v", got, ok)
	}
	got, ok = rt.DequeueInput()
	if !ok || got.Text != "second" {
		t.Fatalf("expected second queued input, got %+v ok=%v", got, ok)
	}
	if _, ok := rt.DequeueInput(); ok {
		t.Fatal("expected queue to be empty")
	}
}

func TestRuntime_SeenRecentlyDetectsDuplicatesWithinRingCapacity(t *testing.T) {
	rt := NewRuntime(2)

	if rt.SeenRecently("a") {
		t.Fatal("first occurrence of a should not be seen")
	}
	if !rt.SeenRecently("a") {
		t.Fatal("second occurrence of a should be seen")
	}
	if rt.SeenRecently("b") {
		t.Fatal("first occurrence of b should not be seen")
	}
	// ring is now full with [a, b]; c evicts the oldest entry (a).
	if rt.SeenRecently("c") {
		t.Fatal("first occurrence of c should not be seen")
	}
	if rt.SeenRecently("a") {
		t.Fatal("a should have been evicted from the ring and register as new again")
	}
}

func TestRuntime_PermissionsAddAndResolve(t *testing.T) {
	rt := NewRuntime(4)
	ch := rt.Permissions().Add("req-1")

	if !rt.Permissions().Has("req-1") {
		t.Fatal("expected req-1 to be outstanding")
	}
	if ok := rt.Permissions().Resolve("req-1", PermissionResult{Allow: true, ResolvedBy: "user"}); !ok {
		t.Fatal("expected Resolve to succeed for a known request id")
	}

	result := <-ch
	if !result.Allow || result.ResolvedBy != "user" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if rt.Permissions().Has("req-1") {
		t.Fatal("expected req-1 to be removed after resolution")
	}
}

func TestRuntime_PermissionsResolveUnknownIsNoop(t *testing.T) {
	rt := NewRuntime(4)
	if ok := rt.Permissions().Resolve("nope", PermissionResult{Allow: false}); ok {
		t.Fatal("expected Resolve on unknown request id to report false")
	}
}

func TestRuntime_PermissionsResolveIsOneShot(t *testing.T) {
	rt := NewRuntime(4)
	rt.Permissions().Add("req-1")
	rt.Permissions().Resolve("req-1", PermissionResult{Allow: true})

	if ok := rt.Permissions().Resolve("req-1", PermissionResult{Allow: false}); ok {
		t.Fatal("expected second Resolve for the same request id to fail")
	}
}

func TestRuntime_PermissionsClearAllDeniesOutstanding(t *testing.T) {
	rt := NewRuntime(4)
	ch1 := rt.Permissions().Add("req-1")
	ch2 := rt.Permissions().Add("req-2")

	rt.Permissions().ClearAll()

	r1 := <-ch1
	r2 := <-ch2
	if r1.Allow || r1.ResolvedBy != "cancelled" {
		t.Fatalf("expected req-1 cancelled-deny, got %+v", r1)
	}
	if r2.Allow || r2.ResolvedBy != "cancelled" {
		t.Fatalf("expected req-2 cancelled-deny, got %+v", r2)
	}
	if rt.Permissions().Has("req-1") || rt.Permissions().Has("req-2") {
		t.Fatal("expected ClearAll to remove all waiters")
	}
}

func TestNormalizeWhitespace_CollapsesRunsAndTrims(t *testing.T) {
	in := "  hello\t\tworld\n\nfoo  "
	want := "hello world foo"
	if got := NormalizeWhitespace(in); got != want {
		t.Fatalf("NormalizeWhitespace(%q) = %q, want %q", in, got, want)
	}
}
