package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/hpungsan/keep/internal/hlc"
)

// Store is the pluggable persistence contract for the chain: append
// plus full scan. Implementations never mutate stored events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	All(ctx context.Context) ([]*Event, error)
	Head(ctx context.Context) (*Event, error)
}

// Log appends events to a store, threading the hash chain and stamping
// each event with the hybrid logical clock. Appends are serialized.
type Log struct {
	mu    sync.Mutex
	store Store
	clock *hlc.Clock
	now   func() time.Time
}

// NewLog creates a log over the given store and clock.
func NewLog(store Store, clock *hlc.Clock) *Log {
	return &Log{store: store, clock: clock, now: time.Now}
}

// NewLogAt creates a log with an injected wall clock.
func NewLogAt(store Store, clock *hlc.Clock, now func() time.Time) *Log {
	return &Log{store: store, clock: clock, now: now}
}

// CreateEvent builds the next event in the chain and appends it.
func (l *Log) CreateEvent(ctx context.Context, eventType, capsuleID string, payload any, actor string) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head, err := l.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	prevHash := ""
	if head != nil {
		prevHash = head.Hash
	}

	e, err := BuildEvent(eventType, capsuleID, actor, payload, prevHash, l.now(), l.clock.Tick())
	if err != nil {
		return nil, err
	}
	if err := l.store.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// VerifyChain scans the full log and verifies the hash chain.
func (l *Log) VerifyChain(ctx context.Context) (VerifyResult, error) {
	events, err := l.store.All(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyEvents(events), nil
}

// All returns every event in append order.
func (l *Log) All(ctx context.Context) ([]*Event, error) {
	return l.store.All(ctx)
}

// MemStore is an in-memory Store for tests and ephemeral logs.
type MemStore struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemStore) All(_ context.Context) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *MemStore) Head(_ context.Context) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	return s.events[len(s.events)-1], nil
}
