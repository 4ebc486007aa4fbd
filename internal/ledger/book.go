package ledger

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"groupcast/internal/eventbus"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

// Book holds one loaded Ledger per identity, created on first use.
type Book struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	opts  []Option

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

func NewBook(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Book {
	return &Book{cfg: cfg, store: store, log: log, bus: bus, opts: opts, ledgers: map[string]*Ledger{}}
}

// Get returns the identity's ledger, loading it from the store the first
// time. A failed load is not cached.
func (b *Book) Get(ctx context.Context, identity string) (*Ledger, error) {
	identity = strings.TrimSpace(identity)
	if err := (storage.Key{Identity: identity, Kind: storage.KindLedger}).Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.ledgers[identity]; ok {
		return l, nil
	}
	l := New(identity, b.cfg, b.store, b.log, b.bus, b.opts...)
	if err := l.Load(ctx); err != nil {
		return nil, err
	}
	b.ledgers[identity] = l
	return l, nil
}

// Identities lists loaded identities in order.
func (b *Book) Identities() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.ledgers))
}

// CheckCycles rolls every loaded ledger over when due.
func (b *Book) CheckCycles() {
	b.mu.Lock()
	ls := slices.Collect(maps.Values(b.ledgers))
	b.mu.Unlock()
	for _, l := range ls {
		l.CheckCycle()
	}
}
