package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/session"
)

type memPersister struct {
	mu   sync.Mutex
	rows map[string]*session.Session
}

func newMemPersister() *memPersister { return &memPersister{rows: make(map[string]*session.Session)} }

func (p *memPersister) Insert(s *session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[s.ID] = s.Clone()
	return nil
}
func (p *memPersister) Update(s *session.Session) error { return p.Insert(s) }
func (p *memPersister) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, id)
	return nil
}
func (p *memPersister) Load() ([]*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*session.Session, 0, len(p.rows))
	for _, s := range p.rows {
		out = append(out, s.Clone())
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *session.Store, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store := session.NewStore(newMemPersister(), log, 8)
	p := NewPipeline(store, bus.NewMemoryBus(log), log, config.JournalConfig{DataDir: dir, RotateBytes: 1024, SubscriberQueue: 8})
	return p, store, dir
}

func TestEmit_AssignsMonotonicSeqAndAppendsToJournal(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	s, err := store.Create("/work", "acp", "cli")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev1, err := p.Emit(context.Background(), s.ID, TypeHeader, map[string]interface{}{"title": "x"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ev2, err := p.Emit(context.Background(), s.ID, TypeHeartbeat, nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev1.Seq != 0 || ev2.Seq != 1 {
		t.Fatalf("expected seq 0,1 got %d,%d", ev1.Seq, ev2.Seq)
	}

	evs, err := p.Replay(s.ID, 0, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events replayed, got %d", len(evs))
	}
}

func TestEmit_UnknownSessionReturnsErrNotFound(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	if _, err := p.Emit(context.Background(), "sess_missing", TypeHeartbeat, nil); err != session.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplay_FiltersBySinceSeqAndType(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	s, _ := store.Create("/work", "acp", "cli")

	p.Emit(context.Background(), s.ID, TypeHeader, nil)
	p.Emit(context.Background(), s.ID, TypeOutput, map[string]interface{}{"text": "a"})
	p.Emit(context.Background(), s.ID, TypeOutput, map[string]interface{}{"text": "b"})

	evs, err := p.Replay(s.ID, 0, map[Type]bool{TypeOutput: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 output events, got %d", len(evs))
	}

	evs, err = p.Replay(s.ID, 1, map[Type]bool{TypeOutput: true})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != 1 || evs[0].Seq != 2 {
		t.Fatalf("expected only seq 2 after since_seq=1, got %+v", evs)
	}
}

func TestEmitOutput_SuppressesExactRepeat(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	s, _ := store.Create("/work", "acp", "cli")

	ev1, err := p.EmitOutput(context.Background(), s.ID, "stdout", "hello world", OutputStep, false)
	if err != nil {
		t.Fatalf("EmitOutput: %v", err)
	}
	if ev1 == nil {
		t.Fatal("expected first occurrence to emit")
	}

	ev2, err := p.EmitOutput(context.Background(), s.ID, "stdout", "hello world", OutputStep, false)
	if err != nil {
		t.Fatalf("EmitOutput: %v", err)
	}
	if ev2 != nil {
		t.Fatal("expected exact repeat to be suppressed")
	}

	evs, _ := p.Replay(s.ID, 0, nil)
	if len(evs) != 1 {
		t.Fatalf("expected only one journaled output event, got %d", len(evs))
	}
}

func TestEmitOutput_StripsANSIBeforeDedupCheck(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	s, _ := store.Create("/work", "acp", "cli")

	plain := "hello world"
	colored := "\x1b[31mhello world\x1b[0m"

	if _, err := p.EmitOutput(context.Background(), s.ID, "stdout", plain, OutputStep, false); err != nil {
		t.Fatalf("EmitOutput: %v", err)
	}
	ev, err := p.EmitOutput(context.Background(), s.ID, "stdout", colored, OutputStep, false)
	if err != nil {
		t.Fatalf("EmitOutput: %v", err)
	}
	if ev != nil {
		t.Fatal("expected ANSI-equivalent repeat to be suppressed as a duplicate")
	}
}

func TestSubscribe_ReceivesLiveEvents(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	s, _ := store.Create("/work", "acp", "cli")

	sub := p.Subscribe(s.ID, 4)
	defer sub.Close()

	if _, err := p.Emit(context.Background(), s.ID, TypeHeartbeat, nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case ev := <-sub.C():
		if ev.Type != TypeHeartbeat {
			t.Fatalf("expected heartbeat event, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestSubscribe_SlowSubscriberDropsWithoutBlockingEmit(t *testing.T) {
	p, store, _ := newTestPipeline(t)
	s, _ := store.Create("/work", "acp", "cli")

	sub := p.Subscribe(s.ID, 1)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		if _, err := p.Emit(context.Background(), s.ID, TypeHeartbeat, nil); err != nil {
			t.Fatalf("Emit %d: %v", i, err)
		}
	}

	evs, err := p.Replay(s.ID, 0, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(evs) != 10 {
		t.Fatalf("expected all 10 events journaled regardless of subscriber drops, got %d", len(evs))
	}
}

func TestRecoverSeq_SeedsRuntimeFromJournalMax(t *testing.T) {
	dir := t.TempDir()
	log, _ := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	store := session.NewStore(newMemPersister(), log, 8)
	cfg := config.JournalConfig{DataDir: dir, RotateBytes: 1024, SubscriberQueue: 8}

	p1 := NewPipeline(store, bus.NewMemoryBus(log), log, cfg)
	s, _ := store.Create("/work", "acp", "cli")
	p1.Emit(context.Background(), s.ID, TypeHeader, nil)
	p1.Emit(context.Background(), s.ID, TypeHeartbeat, nil)
	p1.Close()

	rt, _ := store.Runtime(s.ID)
	rt.SeedSeq(0) // simulate a fresh runtime as if the process had restarted

	p2 := NewPipeline(store, bus.NewMemoryBus(log), log, cfg)
	if err := p2.RecoverSeq(s.ID); err != nil {
		t.Fatalf("RecoverSeq: %v", err)
	}
	if got := rt.NextSeq(); got != 2 {
		t.Fatalf("expected next seq to continue at 2 after recovery, got %d", got)
	}
}
