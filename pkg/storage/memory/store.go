// Package memory provides an in-process billing.Store for tests and local
// development. Units of work run against a copy of the state that is swapped
// in on commit, so a failed WithTx leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

type state struct {
	plans     map[billing.PlanType]*billing.Plan
	subs      map[int64]*billing.Subscription
	txs       map[int64]*billing.BillingTransaction
	events    map[string]*billing.WebhookEvent
	nextSubID int64
	nextTxID  int64
}

func newState() *state {
	return &state{
		plans:  make(map[billing.PlanType]*billing.Plan),
		subs:   make(map[int64]*billing.Subscription),
		txs:    make(map[int64]*billing.BillingTransaction),
		events: make(map[string]*billing.WebhookEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.plans {
		p := *v
		c.plans[k] = &p
	}
	for k, v := range s.subs {
		c.subs[k] = copySub(v)
	}
	for k, v := range s.txs {
		c.txs[k] = copyTx(v)
	}
	for k, v := range s.events {
		e := *v
		c.events[k] = &e
	}
	c.nextSubID = s.nextSubID
	c.nextTxID = s.nextTxID
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copySub(s *billing.Subscription) *billing.Subscription {
	c := *s
	c.LastPaymentFailureAt = copyTime(s.LastPaymentFailureAt)
	return &c
}

func copyTx(t *billing.BillingTransaction) *billing.BillingTransaction {
	c := *t
	c.LastRetryAt = copyTime(t.LastRetryAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	c.RecoveredAt = copyTime(t.RecoveredAt)
	return &c
}

// Store is a mutex-guarded in-memory billing.Store
type Store struct {
	mu sync.Mutex
	st *state
}

var _ billing.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{st: newState()}
}

// WithTx runs fn against a private copy of the state and commits it if fn succeeds
func (s *Store) WithTx(ctx context.Context, fn func(repo billing.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&repo{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

// auto runs a single operation as its own unit of work
func (s *Store) auto(fn func(r *repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&repo{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read(fn func(r *repo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&repo{st: s.st})
}

func (s *Store) GetPlan(ctx context.Context, t billing.PlanType) (p *billing.Plan, err error) {
	s.read(func(r *repo) { p, err = r.GetPlan(ctx, t) })
	return
}

func (s *Store) ListPlans(ctx context.Context) (ps []*billing.Plan, err error) {
	s.read(func(r *repo) { ps, err = r.ListPlans(ctx) })
	return
}

func (s *Store) UpsertPlan(ctx context.Context, p *billing.Plan) error {
	return s.auto(func(r *repo) error { return r.UpsertPlan(ctx, p) })
}

func (s *Store) CurrentSubscription(ctx context.Context, tenantID int64) (sub *billing.Subscription, err error) {
	s.read(func(r *repo) { sub, err = r.CurrentSubscription(ctx, tenantID) })
	return
}

func (s *Store) SubscriptionByProviderID(ctx context.Context, id string) (sub *billing.Subscription, err error) {
	s.read(func(r *repo) { sub, err = r.SubscriptionByProviderID(ctx, id) })
	return
}

func (s *Store) SubscriptionHistory(ctx context.Context, tenantID int64) (subs []*billing.Subscription, err error) {
	s.read(func(r *repo) { subs, err = r.SubscriptionHistory(ctx, tenantID) })
	return
}

func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	return s.auto(func(r *repo) error { return r.CreateSubscription(ctx, sub) })
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *billing.Subscription, expected billing.SubscriptionStatus) error {
	return s.auto(func(r *repo) error { return r.UpdateSubscription(ctx, sub, expected) })
}

func (s *Store) ListSubscriptionsEndingBefore(ctx context.Context, status billing.SubscriptionStatus, before time.Time) (subs []*billing.Subscription, err error) {
	s.read(func(r *repo) { subs, err = r.ListSubscriptionsEndingBefore(ctx, status, before) })
	return
}

func (s *Store) HasUsedTrial(ctx context.Context, tenantID int64) (used bool, err error) {
	s.read(func(r *repo) { used, err = r.HasUsedTrial(ctx, tenantID) })
	return
}

func (s *Store) CountAtRiskSubscriptions(ctx context.Context) (n int64, err error) {
	s.read(func(r *repo) { n, err = r.CountAtRiskSubscriptions(ctx) })
	return
}

func (s *Store) CreateTransaction(ctx context.Context, tx *billing.BillingTransaction) error {
	return s.auto(func(r *repo) error { return r.CreateTransaction(ctx, tx) })
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (tx *billing.BillingTransaction, err error) {
	s.read(func(r *repo) { tx, err = r.GetTransaction(ctx, id) })
	return
}

func (s *Store) UpdateTransaction(ctx context.Context, tx *billing.BillingTransaction, expected billing.TransactionStatus) error {
	return s.auto(func(r *repo) error { return r.UpdateTransaction(ctx, tx, expected) })
}

func (s *Store) HasTransactionWithStatus(ctx context.Context, tenantID int64, status billing.TransactionStatus) (ok bool, err error) {
	s.read(func(r *repo) { ok, err = r.HasTransactionWithStatus(ctx, tenantID, status) })
	return
}

func (s *Store) ListTransactionsCreatedBefore(ctx context.Context, status billing.TransactionStatus, before time.Time, limit int) (txs []*billing.BillingTransaction, err error) {
	s.read(func(r *repo) { txs, err = r.ListTransactionsCreatedBefore(ctx, status, before, limit) })
	return
}

func (s *Store) ListRecentTransactions(ctx context.Context, status billing.TransactionStatus, limit int) (txs []*billing.BillingTransaction, err error) {
	s.read(func(r *repo) { txs, err = r.ListRecentTransactions(ctx, status, limit) })
	return
}

func (s *Store) CountTransactions(ctx context.Context, status billing.TransactionStatus) (n int64, err error) {
	s.read(func(r *repo) { n, err = r.CountTransactions(ctx, status) })
	return
}

func (s *Store) CountRecoveredSince(ctx context.Context, since time.Time) (n int64, err error) {
	s.read(func(r *repo) { n, err = r.CountRecoveredSince(ctx, since) })
	return
}

func (s *Store) WebhookEventExists(ctx context.Context, eventID string) (ok bool, err error) {
	s.read(func(r *repo) { ok, err = r.WebhookEventExists(ctx, eventID) })
	return
}

func (s *Store) InsertWebhookEvent(ctx context.Context, ev *billing.WebhookEvent) error {
	return s.auto(func(r *repo) error { return r.InsertWebhookEvent(ctx, ev) })
}

// repo implements billing.Repository over one state snapshot. It does no
// locking; Store serializes access.
type repo struct {
	st *state
}

func (r *repo) GetPlan(_ context.Context, t billing.PlanType) (*billing.Plan, error) {
	p, ok := r.st.plans[t]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", t, billing.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (r *repo) ListPlans(_ context.Context) ([]*billing.Plan, error) {
	plans := make([]*billing.Plan, 0, len(r.st.plans))
	for _, p := range r.st.plans {
		c := *p
		plans = append(plans, &c)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Type.Rank() < plans[j].Type.Rank() })
	return plans, nil
}

func (r *repo) UpsertPlan(_ context.Context, p *billing.Plan) error {
	c := *p
	if existing, ok := r.st.plans[p.Type]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.st.plans[p.Type] = &c
	return nil
}

// newer orders subscriptions by start date, then id, descending
func newer(a, b *billing.Subscription) bool {
	if !a.StartDate.Equal(b.StartDate) {
		return a.StartDate.After(b.StartDate)
	}
	return a.ID > b.ID
}

func (r *repo) CurrentSubscription(_ context.Context, tenantID int64) (*billing.Subscription, error) {
	var best *billing.Subscription
	for _, s := range r.st.subs {
		if s.TenantID != tenantID || !s.IsCurrent() {
			continue
		}
		if best == nil || newer(s, best) {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("current subscription for tenant %d: %w", tenantID, billing.ErrNotFound)
	}
	return copySub(best), nil
}

func (r *repo) SubscriptionByProviderID(_ context.Context, id string) (*billing.Subscription, error) {
	var best *billing.Subscription
	for _, s := range r.st.subs {
		if id == "" || s.ProviderSubscriptionID != id {
			continue
		}
		if best == nil || newer(s, best) {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("subscription %q: %w", id, billing.ErrNotFound)
	}
	return copySub(best), nil
}

func (r *repo) SubscriptionHistory(_ context.Context, tenantID int64) ([]*billing.Subscription, error) {
	var subs []*billing.Subscription
	for _, s := range r.st.subs {
		if s.TenantID == tenantID {
			subs = append(subs, copySub(s))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return newer(subs[i], subs[j]) })
	return subs, nil
}

func (r *repo) hasCurrent(tenantID, exceptID int64) bool {
	for _, s := range r.st.subs {
		if s.TenantID == tenantID && s.ID != exceptID && s.IsCurrent() {
			return true
		}
	}
	return false
}

func (r *repo) CreateSubscription(_ context.Context, sub *billing.Subscription) error {
	if sub.IsCurrent() && r.hasCurrent(sub.TenantID, 0) {
		return fmt.Errorf("tenant %d already has a current subscription: %w", sub.TenantID, billing.ErrStaleState)
	}
	r.st.nextSubID++
	sub.ID = r.st.nextSubID
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	r.st.subs[sub.ID] = copySub(sub)
	return nil
}

func (r *repo) UpdateSubscription(_ context.Context, sub *billing.Subscription, expected billing.SubscriptionStatus) error {
	stored, ok := r.st.subs[sub.ID]
	if !ok {
		return fmt.Errorf("subscription %d: %w", sub.ID, billing.ErrNotFound)
	}
	if stored.Status != expected {
		return fmt.Errorf("subscription %d is %s, expected %s: %w", sub.ID, stored.Status, expected, billing.ErrStaleState)
	}
	if sub.IsCurrent() && r.hasCurrent(sub.TenantID, sub.ID) {
		return fmt.Errorf("tenant %d already has a current subscription: %w", sub.TenantID, billing.ErrStaleState)
	}
	r.st.subs[sub.ID] = copySub(sub)
	return nil
}

func (r *repo) ListSubscriptionsEndingBefore(_ context.Context, status billing.SubscriptionStatus, before time.Time) ([]*billing.Subscription, error) {
	var subs []*billing.Subscription
	for _, s := range r.st.subs {
		if s.Status == status && s.EndDate.Before(before) {
			subs = append(subs, copySub(s))
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].EndDate.Equal(subs[j].EndDate) {
			return subs[i].EndDate.Before(subs[j].EndDate)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func (r *repo) HasUsedTrial(_ context.Context, tenantID int64) (bool, error) {
	for _, s := range r.st.subs {
		if s.TenantID == tenantID && s.Trial {
			return true, nil
		}
	}
	return false, nil
}

func (r *repo) CountAtRiskSubscriptions(_ context.Context) (int64, error) {
	var n int64
	for _, s := range r.st.subs {
		if s.IsCurrent() && s.AtRisk() {
			n++
		}
	}
	return n, nil
}

func (r *repo) CreateTransaction(_ context.Context, tx *billing.BillingTransaction) error {
	r.st.nextTxID++
	tx.ID = r.st.nextTxID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	r.st.txs[tx.ID] = copyTx(tx)
	return nil
}

func (r *repo) GetTransaction(_ context.Context, id int64) (*billing.BillingTransaction, error) {
	tx, ok := r.st.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", id, billing.ErrNotFound)
	}
	return copyTx(tx), nil
}

func (r *repo) UpdateTransaction(_ context.Context, tx *billing.BillingTransaction, expected billing.TransactionStatus) error {
	stored, ok := r.st.txs[tx.ID]
	if !ok {
		return fmt.Errorf("transaction %d: %w", tx.ID, billing.ErrNotFound)
	}
	if stored.Status != expected {
		return fmt.Errorf("transaction %d is %s, expected %s: %w", tx.ID, stored.Status, expected, billing.ErrStaleState)
	}
	r.st.txs[tx.ID] = copyTx(tx)
	return nil
}

func (r *repo) HasTransactionWithStatus(_ context.Context, tenantID int64, status billing.TransactionStatus) (bool, error) {
	for _, tx := range r.st.txs {
		if tx.TenantID == tenantID && tx.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (r *repo) filterTx(keep func(*billing.BillingTransaction) bool) []*billing.BillingTransaction {
	var out []*billing.BillingTransaction
	for _, tx := range r.st.txs {
		if keep(tx) {
			out = append(out, copyTx(tx))
		}
	}
	return out
}

func limitTx(txs []*billing.BillingTransaction, limit int) []*billing.BillingTransaction {
	if limit > 0 && len(txs) > limit {
		return txs[:limit]
	}
	return txs
}

func (r *repo) ListTransactionsCreatedBefore(_ context.Context, status billing.TransactionStatus, before time.Time, limit int) ([]*billing.BillingTransaction, error) {
	txs := r.filterTx(func(tx *billing.BillingTransaction) bool {
		return tx.Status == status && tx.CreatedAt.Before(before)
	})
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
	return limitTx(txs, limit), nil
}

func (r *repo) ListRecentTransactions(_ context.Context, status billing.TransactionStatus, limit int) ([]*billing.BillingTransaction, error) {
	txs := r.filterTx(func(tx *billing.BillingTransaction) bool { return tx.Status == status })
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID > txs[j].ID
	})
	return limitTx(txs, limit), nil
}

func (r *repo) CountTransactions(_ context.Context, status billing.TransactionStatus) (int64, error) {
	var n int64
	for _, tx := range r.st.txs {
		if tx.Status == status {
			n++
		}
	}
	return n, nil
}

func (r *repo) CountRecoveredSince(_ context.Context, since time.Time) (int64, error) {
	var n int64
	for _, tx := range r.st.txs {
		if tx.Status == billing.TransactionPaid && tx.RecoveredAt != nil && !tx.RecoveredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *repo) WebhookEventExists(_ context.Context, eventID string) (bool, error) {
	_, ok := r.st.events[eventID]
	return ok, nil
}

func (r *repo) InsertWebhookEvent(_ context.Context, ev *billing.WebhookEvent) error {
	if _, ok := r.st.events[ev.EventID]; ok {
		return fmt.Errorf("event %s: %w", ev.EventID, billing.ErrDuplicateEvent)
	}
	c := *ev
	r.st.events[ev.EventID] = &c
	return nil
}
