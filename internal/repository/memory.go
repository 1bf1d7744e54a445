package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"zippcall/internal/model"
)

type memEvent struct {
	userID string
	result model.MutationResult
}

// MemoryStore is an in-process AccountStore and RateStore for sandbox runs and tests.
// A single mutex makes every Apply atomic; it does not try to model per-account concurrency.
type MemoryStore struct {
	mu           sync.RWMutex
	policy       model.BalancePolicy
	accounts     map[string]*model.Account
	transactions map[string][]model.Transaction
	events       map[string]memEvent
	rates        []model.RateEntry
	rateVersion  uint64
	now          func() time.Time
}

func NewMemoryStore(policy model.BalancePolicy) *MemoryStore {
	return &MemoryStore{
		policy:       policy,
		accounts:     make(map[string]*model.Account),
		transactions: make(map[string][]model.Transaction),
		events:       make(map[string]memEvent),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Apply(ctx context.Context, m model.Mutation) (*model.MutationResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, model.Unavailable("apply mutation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.EventKey()
	if prev, ok := s.events[key]; ok {
		if prev.userID != m.UserID {
			return nil, model.Invalid("event_id", "was already used for another account")
		}
		res := prev.result
		res.Duplicate = true
		res.Transaction = nil
		return &res, nil
	}

	now := s.now()
	acc := s.account(m.UserID, now)
	if !s.policy.Permits(m.Type, acc.BalanceCents, m.AmountCents) {
		return nil, fmt.Errorf("balance %d, debit %d: %w", acc.BalanceCents, -m.AmountCents, model.ErrInsufficientFunds)
	}

	acc.BalanceCents += m.AmountCents
	acc.Version++
	acc.UpdatedAt = now

	txn := model.Transaction{
		ID:                uuid.NewString(),
		UserID:            m.UserID,
		EventID:           m.EventID,
		Type:              m.Type,
		AmountCents:       m.AmountCents,
		Currency:          model.Currency,
		Status:            model.StatusCompleted,
		BalanceAfterCents: acc.BalanceCents,
		Description:       m.Description,
		Call:              m.Call,
		CreatedAt:         now,
	}
	s.transactions[m.UserID] = append(s.transactions[m.UserID], txn)

	res := model.MutationResult{NewBalance: acc.BalanceCents, Version: acc.Version, TransactionID: txn.ID}
	s.events[key] = memEvent{userID: m.UserID, result: res}

	res.Transaction = &txn
	return &res, nil
}

func (s *MemoryStore) LookupEvent(ctx context.Context, t model.TransactionType, userID, eventID string) (*model.MutationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prev, ok := s.events[model.EventKey(t, eventID)]
	if !ok {
		return nil, nil
	}
	if prev.userID != userID {
		return nil, model.Invalid("event_id", "was already used for another account")
	}
	res := prev.result
	res.Duplicate = true
	return &res, nil
}

// account must be called with mu held.
func (s *MemoryStore) account(userID string, now time.Time) *model.Account {
	acc, ok := s.accounts[userID]
	if !ok {
		acc = &model.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
		s.accounts[userID] = acc
	}
	return acc
}

func (s *MemoryStore) EnsureAccount(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, model.Invalid("user_id", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := *s.account(userID, s.now())
	return &acc, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %q: %w", userID, model.ErrNotFound)
	}
	out := *acc
	return &out, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.transactions[userID]
	limit = clampLimit(limit)
	out := make([]model.Transaction, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) LoadRates(ctx context.Context) (uint64, []model.RateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateVersion, append([]model.RateEntry(nil), s.rates...), nil
}

func (s *MemoryStore) ReplaceRates(ctx context.Context, entries []model.RateEntry) (uint64, error) {
	entries, err := normalizeRates(entries)
	if err != nil {
		return 0, err
	}
	now := s.now()
	for i := range entries {
		entries[i].UpdatedAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = entries
	s.rateVersion++
	return s.rateVersion, nil
}

type memGateEntry struct {
	completed bool
	result    model.MutationResult
	expires   time.Time
}

// MemoryEventGate mirrors RedisEventGate inside one process.
type MemoryEventGate struct {
	mu      sync.Mutex
	entries map[string]memGateEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryEventGate(reserveTTL time.Duration) *MemoryEventGate {
	return &MemoryEventGate{
		entries: make(map[string]memGateEntry),
		ttl:     reserveTTL,
		now:     time.Now,
	}
}

func (g *MemoryEventGate) Reserve(ctx context.Context, eventID string) (Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if e, ok := g.entries[eventID]; ok {
		if e.completed {
			res := e.result
			return Reservation{Completed: true, Result: &res}, nil
		}
		if now.Before(e.expires) {
			return Reservation{}, nil
		}
	}
	g.entries[eventID] = memGateEntry{expires: now.Add(g.ttl)}
	return Reservation{First: true}, nil
}

func (g *MemoryEventGate) Complete(ctx context.Context, eventID string, result model.MutationResult) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	result.Transaction = nil
	g.entries[eventID] = memGateEntry{completed: true, result: result}
	return nil
}

func (g *MemoryEventGate) Release(ctx context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, eventID)
	return nil
}

type memBalance struct {
	balance, version int64
	expires          time.Time
}

type MemoryBalanceCache struct {
	mu       sync.RWMutex
	balances map[string]memBalance
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryBalanceCache(ttl time.Duration) *MemoryBalanceCache {
	return &MemoryBalanceCache{balances: make(map[string]memBalance), ttl: ttl, now: time.Now}
}

func (c *MemoryBalanceCache) GetBalance(ctx context.Context, userID string) (int64, int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.balances[userID]
	if !ok || !c.now().Before(b.expires) {
		return 0, 0, false, nil
	}
	return b.balance, b.version, true, nil
}

func (c *MemoryBalanceCache) SetBalance(ctx context.Context, userID string, balance, version int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if cur, ok := c.balances[userID]; ok && now.Before(cur.expires) && version <= cur.version {
		return false, nil
	}
	c.balances[userID] = memBalance{balance: balance, version: version, expires: now.Add(c.ttl)}
	return true, nil
}
