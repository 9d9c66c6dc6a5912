package events

import (
	"os"
	"strings"
	"testing"
)

func TestJournal_AppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "sess_1", 1024*1024)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	for i := uint64(0); i < 3; i++ {
		ev := &Event{SessionID: "sess_1", Seq: i, Type: TypeHeartbeat}
		if err := j.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	evs, err := j.Replay(0, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i) {
			t.Fatalf("expected seq %d at index %d, got %d", i, i, ev.Seq)
		}
	}
}

func TestJournal_MaxSeqReflectsHighestAppendedSeq(t *testing.T) {
	dir := t.TempDir()
	j, _ := OpenJournal(dir, "sess_1", 1024*1024)
	defer j.Close()

	j.Append(&Event{SessionID: "sess_1", Seq: 5, Type: TypeHeartbeat})
	j.Append(&Event{SessionID: "sess_1", Seq: 2, Type: TypeHeartbeat})

	max, err := j.MaxSeq()
	if err != nil {
		t.Fatalf("MaxSeq: %v", err)
	}
	if max != 5 {
		t.Fatalf("expected max seq 5, got %d", max)
	}
}

func TestJournal_RotatesAtSizeThresholdAndReplaySpansBothGenerations(t *testing.T) {
	dir := t.TempDir()
	// A tiny threshold forces rotation after the very first append.
	j, err := OpenJournal(dir, "sess_1", 10)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	bigText := strings.Repeat("x", 64)
	j.Append(&Event{SessionID: "sess_1", Seq: 0, Type: TypeOutput, Data: map[string]interface{}{"text": bigText}})
	j.Append(&Event{SessionID: "sess_1", Seq: 1, Type: TypeOutput, Data: map[string]interface{}{"text": bigText}})

	evs, err := j.Replay(0, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected both pre- and post-rotation events replayed, got %d", len(evs))
	}
}

func TestJournal_ReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir, "sess_1", 1024*1024)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	j.Append(&Event{SessionID: "sess_1", Seq: 0, Type: TypeHeartbeat})
	j.Close()

	// Corrupt the file with a trailing non-JSON line, as a crash mid-write might leave.
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	f.WriteString("not json\n")
	f.Close()

	j2, err := OpenJournal(dir, "sess_1", 1024*1024)
	if err != nil {
		t.Fatalf("re-open journal: %v", err)
	}
	defer j2.Close()

	evs, err := j2.Replay(0, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected the one well-formed event to survive, got %d", len(evs))
	}
}
