package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/session"
)

// Subscriber is a live consumer of one session's event stream (an SSE
// handler, typically). Delivery is best-effort and bounded: a slow
// subscriber drops events rather than blocking the emitting call or other
// subscribers, per "slow subscriber must not block others".
type Subscriber struct {
	ch     chan *Event
	closed chan struct{}
	once   sync.Once
}

// C returns the channel to range over for delivered events.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Close deregisters the subscriber; safe to call more than once.
func (s *Subscriber) Close() { s.once.Do(func() { close(s.closed) }) }

// Pipeline owns per-session journals, assigns sequence numbers, performs
// output de-duplication, and fans events out to live subscribers and the
// configured Bus.
type Pipeline struct {
	store *session.Store
	log   *logger.Logger
	bus   bus.Bus

	dataDir     string
	rotateBytes int64

	journalsMu sync.Mutex
	journals   map[string]*Journal

	subsMu sync.Mutex
	subs   map[string]map[*Subscriber]struct{}

	normalizer *ansiNormalizer
}

// NewPipeline builds a Pipeline backed by store and b, persisting journals
// under cfg.DataDir.
func NewPipeline(store *session.Store, b bus.Bus, log *logger.Logger, cfg config.JournalConfig) *Pipeline {
	return &Pipeline{
		store:       store,
		log:         log,
		bus:         b,
		dataDir:     cfg.DataDir,
		rotateBytes: cfg.RotateBytes,
		journals:    make(map[string]*Journal),
		subs:        make(map[string]map[*Subscriber]struct{}),
		normalizer:  newANSINormalizer(),
	}
}

// journalFor returns (opening if needed) the journal for sessionID.
func (p *Pipeline) journalFor(sessionID string) (*Journal, error) {
	p.journalsMu.Lock()
	defer p.journalsMu.Unlock()

	if j, ok := p.journals[sessionID]; ok {
		return j, nil
	}
	j, err := OpenJournal(p.dataDir, sessionID, p.rotateBytes)
	if err != nil {
		return nil, err
	}
	p.journals[sessionID] = j
	return j, nil
}

// RecoverSeq opens sessionID's journal and seeds its Runtime.Seq from
// max(seq)+1, per "On startup, the store scans each session's journal
// to recover seq".
func (p *Pipeline) RecoverSeq(sessionID string) error {
	j, err := p.journalFor(sessionID)
	if err != nil {
		return err
	}
	max, err := j.MaxSeq()
	if err != nil {
		return err
	}
	rt, ok := p.store.Runtime(sessionID)
	if !ok {
		return nil
	}
	rt.SeedSeq(max + 1)
	return nil
}

// Subscribe registers a new live subscriber for sessionID and returns it.
// Registration is O(1): a bounded channel keyed in a per-session set.
func (p *Pipeline) Subscribe(sessionID string, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = 256
	}
	sub := &Subscriber{ch: make(chan *Event, queueSize), closed: make(chan struct{})}

	p.subsMu.Lock()
	set, ok := p.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		p.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	p.subsMu.Unlock()

	go func() {
		<-sub.closed
		p.subsMu.Lock()
		delete(p.subs[sessionID], sub)
		p.subsMu.Unlock()
	}()

	return sub
}

// Emit assigns the next sequence number, appends to the journal, and fans
// out to subscribers and the bus. It does not acquire the session's per-id
// lock — callers performing a state transition alongside an emit must hold
// that lock themselves (phase 1 of the store's locking discipline).
func (p *Pipeline) Emit(ctx context.Context, sessionID string, typ Type, data map[string]interface{}) (*Event, error) {
	rt, ok := p.store.Runtime(sessionID)
	if !ok {
		return nil, session.ErrNotFound
	}

	ev := &Event{
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Seq:       rt.NextSeq(),
		Type:      typ,
		Data:      data,
	}

	j, err := p.journalFor(sessionID)
	if err != nil {
		return nil, err
	}
	if err := j.Append(ev); err != nil {
		return nil, err
	}

	p.fanOut(sessionID, ev)

	if p.bus != nil {
		msg := &bus.Message{ID: sessionID, Subject: bus.SessionSubject(sessionID), Timestamp: ev.TS, Data: map[string]interface{}{
			"seq": ev.Seq, "type": string(ev.Type), "data": ev.Data,
		}}
		if err := p.bus.Publish(ctx, bus.SessionSubject(sessionID), msg); err != nil {
			p.log.Warn("bus publish failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	return ev, nil
}

// EmitOutput normalizes text (ANSI-stripped, whitespace-collapsed) and drops
// exact repeats against the session's recent-output ring before emitting.
// The caller is still responsible for accumulating the full text into
// output_final on turn completion.
func (p *Pipeline) EmitOutput(ctx context.Context, sessionID, stream, text string, kind OutputKind, final bool) (*Event, error) {
	rt, ok := p.store.Runtime(sessionID)
	if !ok {
		return nil, session.ErrNotFound
	}

	normalized := p.normalizer.Normalize(text)
	if normalized != "" && rt.SeenRecently(normalized) {
		return nil, nil
	}

	return p.Emit(ctx, sessionID, TypeOutput, map[string]interface{}{
		"stream": stream, "text": text, "kind": string(kind), "final": final,
	})
}

func (p *Pipeline) fanOut(sessionID string, ev *Event) {
	p.subsMu.Lock()
	set := p.subs[sessionID]
	snapshot := make([]*Subscriber, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	p.subsMu.Unlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- ev:
		default:
			p.log.Warn("subscriber queue full, dropping event",
				zap.String("session_id", sessionID), zap.Uint64("seq", ev.Seq))
		}
	}
}

// Replay returns every event since sinceSeq for sessionID, filtered by
// types (nil/empty means all types).
func (p *Pipeline) Replay(sessionID string, sinceSeq uint64, types map[Type]bool) ([]*Event, error) {
	j, err := p.journalFor(sessionID)
	if err != nil {
		return nil, err
	}
	return j.Replay(sinceSeq, types)
}

// Close releases every open journal handle.
func (p *Pipeline) Close() error {
	p.journalsMu.Lock()
	defer p.journalsMu.Unlock()
	var firstErr error
	for _, j := range p.journals {
		if err := j.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
