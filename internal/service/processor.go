package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"zippcall/internal/event"
	"zippcall/internal/model"
	"zippcall/internal/pricing"
	"zippcall/internal/repository"
)

// Processor turns authenticated events into ledger mutations.
type Processor struct {
	store     repository.AccountStore
	rates     repository.RateStore
	resolver  *pricing.Resolver
	verifiers event.Verifiers
	calc      pricing.Calculator
	policy    model.BalancePolicy

	gate  repository.EventGate
	cache repository.BalanceCache
	bus   repository.MessageBus

	maxCallSeconds int64
}

type Option func(*Processor)

// WithEventGate puts a fast reservation layer in front of the store.
func WithEventGate(g repository.EventGate) Option { return func(p *Processor) { p.gate = g } }

func WithBalanceCache(c repository.BalanceCache) Option {
	return func(p *Processor) { p.cache = c }
}

func WithMessageBus(b repository.MessageBus) Option { return func(p *Processor) { p.bus = b } }

// WithPolicy must match the policy the store enforces; it is used for pre-call authorization.
func WithPolicy(policy model.BalancePolicy) Option {
	return func(p *Processor) { p.policy = policy }
}

func WithMaxCallSeconds(s int64) Option { return func(p *Processor) { p.maxCallSeconds = s } }

func WithCalculator(c pricing.Calculator) Option { return func(p *Processor) { p.calc = c } }

const defaultMaxCallSeconds = 4 * 60 * 60

func NewProcessor(store repository.AccountStore, rates repository.RateStore, resolver *pricing.Resolver,
	verifiers event.Verifiers, opts ...Option) *Processor {
	p := &Processor{
		store:          store,
		rates:          rates,
		resolver:       resolver,
		verifiers:      verifiers,
		calc:           pricing.PerMinute,
		maxCallSeconds: defaultMaxCallSeconds,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ LedgerService = (*Processor)(nil)

func (p *Processor) Handle(ctx context.Context, kind event.Kind, payload []byte, signature string) (Result, error) {
	ev, err := p.verifiers.Authenticate(kind, payload, signature)
	if err != nil {
		slog.Warn("event rejected", "kind", kind, "error", err)
		return Result{}, err
	}
	return p.Process(ctx, ev)
}

func (p *Processor) Process(ctx context.Context, ev event.Event) (Result, error) {
	switch e := ev.(type) {
	case event.DepositEvent:
		return p.ProcessDeposit(ctx, e)
	case event.CallCompletedEvent:
		return p.ProcessCallCompletion(ctx, e)
	}
	return Result{}, model.Invalid("kind", fmt.Sprintf("%T is not supported", ev))
}

func (p *Processor) ProcessDeposit(ctx context.Context, e event.DepositEvent) (Result, error) {
	if err := event.Validate(e); err != nil {
		return Result{}, err
	}
	return p.apply(ctx, model.Mutation{
		UserID:      e.UserID,
		EventID:     e.EventID,
		Type:        model.TypeDeposit,
		AmountCents: e.AmountCents,
		Description: "deposit",
	})
}

// ProcessCallCompletion charges a finished call. Calls that never connected, or whose cost rounds
// to zero cents, are acknowledged without touching the balance.
func (p *Processor) ProcessCallCompletion(ctx context.Context, e event.CallCompletedEvent) (Result, error) {
	if err := event.Validate(e); err != nil {
		return Result{}, err
	}
	skip := func(reason string) (Result, error) {
		slog.Info("call not charged", "call_id", e.CallID, "user_id", e.UserID, "status", e.Status, "reason", reason)
		return Result{Outcome: OutcomeSkipped, EventID: e.CallID, UserID: e.UserID, Reason: reason}, nil
	}

	if !e.Status.Terminal() {
		return skip("call has not ended")
	}
	duration := e.DurationSeconds
	if !e.Status.Connected() {
		duration = 0
	}
	if duration == 0 {
		return skip("call was not connected")
	}

	rate, err := p.resolver.Resolve(e.Destination)
	if errors.Is(err, model.ErrUnknownDestination) {
		// a redelivery of a call charged before its destination left the rate table
		if res, ok := p.replayCharge(ctx, e); ok {
			return res, nil
		}
	}
	if err != nil {
		slog.Warn("call rejected", "call_id", e.CallID, "destination", e.Destination, "error", err)
		return Result{}, err
	}
	cost, err := p.calc.Compute(rate.EffectivePerUnit, rate.BillingIncrementSeconds, duration)
	if err != nil {
		return Result{}, err
	}
	cents := pricing.ToCents(cost.Amount)
	if cents == 0 {
		return skip("cost rounds to zero")
	}

	return p.apply(ctx, model.Mutation{
		UserID:      e.UserID,
		EventID:     e.CallID,
		Type:        model.TypeCallCharge,
		AmountCents: -cents,
		Description: "call to " + rate.Destination,
		Call: &model.CallDetails{
			CallID:           e.CallID,
			Destination:      rate.Destination,
			DurationSeconds:  e.DurationSeconds,
			BillableSeconds:  cost.BillableSeconds,
			RatePerUnit:      rate.EffectivePerUnit,
			RateTableVersion: rate.TableVersion,
		},
	})
}

func (p *Processor) replayCharge(ctx context.Context, e event.CallCompletedEvent) (Result, bool) {
	prev, err := p.store.LookupEvent(ctx, model.TypeCallCharge, e.UserID, e.CallID)
	if err != nil {
		slog.Warn("charged-call lookup failed", "call_id", e.CallID, "user_id", e.UserID, "error", err)
		return Result{}, false
	}
	if prev == nil {
		return Result{}, false
	}
	slog.Info("duplicate event acknowledged", "event_id", e.CallID, "user_id", e.UserID, "transaction_id", prev.TransactionID)
	m := model.Mutation{UserID: e.UserID, EventID: e.CallID, Type: model.TypeCallCharge}
	return newResult(m, prev, OutcomeDuplicate), true
}

// Adjust applies an administrative credit or debit. Debits follow the strict policy.
func (p *Processor) Adjust(ctx context.Context, req AdjustRequest) (Result, error) {
	if err := event.Validate(req); err != nil {
		return Result{}, err
	}
	return p.apply(ctx, model.Mutation{
		UserID:      req.UserID,
		EventID:     req.EventID,
		Type:        model.TypeAdjustment,
		AmountCents: req.AmountCents,
		Description: req.Reason,
	})
}

func (p *Processor) apply(ctx context.Context, m model.Mutation) (Result, error) {
	log := slog.With("event_id", m.EventID, "user_id", m.UserID, "type", m.Type)
	gateID := m.UserID + "/" + m.EventKey()

	gated := false
	if p.gate != nil {
		resv, err := p.gate.Reserve(ctx, gateID)
		switch {
		case err != nil:
			log.Warn("event gate unavailable, relying on the store", "error", err)
		case resv.Completed && resv.Result != nil:
			log.Info("duplicate event acknowledged from gate")
			return newResult(m, resv.Result, OutcomeDuplicate), nil
		case !resv.First:
			return Result{}, fmt.Errorf("event %s: %w", m.EventID, model.ErrEventInFlight)
		default:
			gated = true
		}
	}

	res, err := p.store.Apply(ctx, m)
	if err != nil {
		if gated {
			if rerr := p.gate.Release(context.WithoutCancel(ctx), gateID); rerr != nil {
				log.Warn("failed to release event reservation", "error", rerr)
			}
		}
		if errors.Is(err, model.ErrInsufficientFunds) {
			log.Info("mutation rejected", "amount_cents", m.AmountCents, "error", err)
		} else {
			log.Error("mutation failed", "error", err)
		}
		return Result{}, err
	}

	if gated {
		if err := p.gate.Complete(context.WithoutCancel(ctx), gateID, *res); err != nil {
			log.Warn("failed to mark event completed", "error", err)
		}
	}

	if res.Duplicate {
		log.Info("duplicate event acknowledged", "transaction_id", res.TransactionID)
		return newResult(m, res, OutcomeDuplicate), nil
	}

	log.Info("mutation applied", "amount_cents", m.AmountCents, "new_balance", res.NewBalance,
		"transaction_id", res.TransactionID)
	p.project(context.WithoutCancel(ctx), res)
	return newResult(m, res, OutcomeApplied), nil
}

// project refreshes the local balance cache and announces the transaction. Both are best effort:
// the transaction is already committed.
func (p *Processor) project(ctx context.Context, res *model.MutationResult) {
	if res.Transaction == nil {
		return
	}
	tx := res.Transaction
	if p.cache != nil {
		if _, err := p.cache.SetBalance(ctx, tx.UserID, res.NewBalance, res.Version); err != nil {
			slog.Warn("failed to update balance cache", "user_id", tx.UserID, "error", err)
		}
	}
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(model.NewTransactionEvent(tx, res.Version))
	if err != nil {
		slog.Error("failed to encode transaction event", "transaction_id", tx.ID, "error", err)
		return
	}
	if err := p.bus.Publish(repository.TopicTransactionCreated, data); err != nil {
		slog.Error("failed to publish transaction event", "transaction_id", tx.ID, "error", err)
	}
}

func newResult(m model.Mutation, res *model.MutationResult, outcome Outcome) Result {
	r := Result{
		Outcome:       outcome,
		EventID:       m.EventID,
		UserID:        m.UserID,
		AmountCents:   m.AmountCents,
		NewBalance:    res.NewBalance,
		TransactionID: res.TransactionID,
	}
	if outcome == OutcomeDuplicate {
		r.Reason = model.ErrDuplicateEvent.Error()
	}
	return r
}

func (p *Processor) EnsureAccount(ctx context.Context, userID string) (*model.Account, error) {
	return p.store.EnsureAccount(ctx, userID)
}

// GetBalance reads the cache first and falls back to the store, warming the cache on the way out.
func (p *Processor) GetBalance(ctx context.Context, userID string) (int64, error) {
	if p.cache != nil {
		balance, _, ok, err := p.cache.GetBalance(ctx, userID)
		if err != nil {
			slog.Warn("balance cache read failed", "user_id", userID, "error", err)
		} else if ok {
			return balance, nil
		}
	}

	acc, err := p.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	if p.cache != nil {
		if _, err := p.cache.SetBalance(ctx, userID, acc.BalanceCents, acc.Version); err != nil {
			slog.Warn("failed to warm balance cache", "user_id", userID, "error", err)
		}
	}
	return acc.BalanceCents, nil
}

func (p *Processor) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	return p.store.ListTransactions(ctx, userID, limit)
}

func (p *Processor) GetRate(ctx context.Context, destination string) (pricing.Rate, error) {
	return p.resolver.Resolve(destination)
}

func (p *Processor) Rates(ctx context.Context) ([]pricing.Rate, error) {
	entries := p.resolver.Snapshot().Entries()
	out := make([]pricing.Rate, 0, len(entries))
	for _, e := range entries {
		r, err := p.resolver.Resolve(e.Destination)
		if err != nil {
			// the snapshot was swapped while listing
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ReplaceRates stores a new rate table and installs it in the resolver right away.
func (p *Processor) ReplaceRates(ctx context.Context, entries []model.RateEntry) (uint64, error) {
	version, err := p.rates.ReplaceRates(ctx, entries)
	if err != nil {
		return 0, err
	}
	slog.Info("rate table replaced", "version", version, "entries", len(entries))
	if _, err := p.RefreshRates(ctx); err != nil {
		slog.Warn("rate table stored but not reloaded", "version", version, "error", err)
	}
	return version, nil
}

// RefreshRates loads the stored rate table and swaps it in when it is newer than the current one.
func (p *Processor) RefreshRates(ctx context.Context) (bool, error) {
	version, entries, err := p.rates.LoadRates(ctx)
	if err != nil {
		return false, fmt.Errorf("load rates: %w", err)
	}
	if version <= p.resolver.Snapshot().Version() {
		return false, nil
	}
	table, err := pricing.NewTable(version, entries)
	if err != nil {
		return false, fmt.Errorf("build rate table v%d: %w", version, err)
	}
	if !p.resolver.Swap(table) {
		return false, nil
	}
	slog.Info("rate table loaded", "version", version, "entries", table.Len())
	return true, nil
}

func (p *Processor) QuoteCall(ctx context.Context, destination string, durationSeconds int64) (Quote, error) {
	rate, err := p.resolver.Resolve(destination)
	if err != nil {
		return Quote{}, err
	}
	cost, err := p.calc.Compute(rate.EffectivePerUnit, rate.BillingIncrementSeconds, durationSeconds)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		Rate:            rate,
		DurationSeconds: durationSeconds,
		BillableSeconds: cost.BillableSeconds,
		AmountCents:     pricing.ToCents(cost.Amount),
	}, nil
}

// AuthorizeCall reports how many seconds the user's balance, plus any call overdraft, can pay for.
func (p *Processor) AuthorizeCall(ctx context.Context, userID, destination string) (Authorization, error) {
	rate, err := p.resolver.Resolve(destination)
	if err != nil {
		return Authorization{}, err
	}
	acc, err := p.store.EnsureAccount(ctx, userID)
	if err != nil {
		return Authorization{}, err
	}

	budget := acc.BalanceCents + p.policy.OverdraftLimitCents
	seconds, limited := p.calc.MaxDuration(rate.EffectivePerUnit, rate.BillingIncrementSeconds, budget)
	if !limited || seconds > p.maxCallSeconds {
		seconds = p.maxCallSeconds
	}
	return Authorization{
		UserID:       userID,
		Rate:         rate,
		BalanceCents: acc.BalanceCents,
		MaxSeconds:   seconds,
		Allowed:      seconds > 0,
	}, nil
}
