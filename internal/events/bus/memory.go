package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/logger"
)

// MemoryBus is the default Bus: in-process channel fan-out with NATS-style
// wildcard subjects (`*` one token, `>` remaining tokens), grounded on the
// reference events/bus in-memory implementation. A slow handler never blocks
// Publish or other handlers — each delivery runs on its own goroutine.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	log    *logger.Logger
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	regex   *regexp.Regexp
	handler Handler

	mu     sync.Mutex
	active bool
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySub) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub), log: log}
}

// Publish delivers msg to every subscription whose pattern matches subject.
func (b *MemoryBus) Publish(ctx context.Context, subject string, msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subs {
		if !subjectMatches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			if !sub.Active() {
				continue
			}
			go func(s *memorySub) {
				if err := s.handler(ctx, msg); err != nil {
					b.log.Error("bus handler failed",
						zap.String("subject", subject), zap.Error(err))
				}
			}(sub)
		}
	}
	return nil
}

// Subscribe registers handler for subject, which may contain `*`/`>` tokens.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySub{bus: b, subject: subject, regex: compileSubjectPattern(subject), handler: handler, active: true}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Close deactivates every subscription and releases all state.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySub)
}

// Connected reports true until Close has been called.
func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func subjectMatches(subject, pattern string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return subject == pattern
	}
	re := compileSubjectPattern(pattern)
	return re != nil && re.MatchString(subject)
}

func compileSubjectPattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
