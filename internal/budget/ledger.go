// Package budget keeps per-user rolling spend and admits or denies LLM
// calls against configured caps.
package budget

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/apperr"
	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/pkg/models"
)

// TightRemaining is the daily headroom, in USD, below which
// DowngradeIfTight swaps to a cheaper model.
const TightRemaining = 0.05

// account is one user's limits and transaction log. Every operation on a
// user holds its mutex, so checks and charges for one user are serialized.
type account struct {
	mu     sync.Mutex
	limits map[models.BudgetPeriod]*models.BudgetLimit
	txs    []models.Transaction
}

// Ledger is the budget ledger.
type Ledger struct {
	catalog *catalog.Catalog
	store   *Store // nil = memory only
	now     func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
}

// NewLedger returns an in-memory ledger priced from cat.
func NewLedger(cat *catalog.Catalog) *Ledger {
	return &Ledger{
		catalog:  cat,
		now:      time.Now,
		accounts: make(map[string]*account),
	}
}

// NewPersistentLedger returns a ledger backed by store, restoring its
// limits and transactions.
func NewPersistentLedger(ctx context.Context, cat *catalog.Catalog, store *Store) (*Ledger, error) {
	l := NewLedger(cat)
	l.store = store
	limits, txs, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, lim := range limits {
		a := l.account(lim.User)
		a.limits[lim.Period] = &lim
	}
	for _, tx := range txs {
		a := l.account(tx.User)
		a.txs = append(a.txs, tx)
	}
	log.Info().Int("limits", len(limits)).Int("transactions", len(txs)).Msg("budget ledger restored")
	return l, nil
}

func (l *Ledger) account(user string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[user]
	if !ok {
		a = &account{limits: make(map[models.BudgetPeriod]*models.BudgetLimit)}
		l.accounts[user] = a
	}
	return a
}

// limit returns the user's limit for period, creating an uncapped one on
// first use and resetting its window if elapsed. Caller holds a.mu.
func (l *Ledger) limit(a *account, user string, period models.BudgetPeriod) *models.BudgetLimit {
	now := l.now()
	lim, ok := a.limits[period]
	if !ok {
		lim = &models.BudgetLimit{User: user, Period: period, WindowStart: now}
		a.limits[period] = lim
		return lim
	}
	if d := period.Duration(); d > 0 && now.Sub(lim.WindowStart) >= d {
		lim.Spent = 0
		lim.WindowStart = now
	}
	return lim
}

// SetCap sets a spending cap for one period.
func (l *Ledger) SetCap(ctx context.Context, user string, period models.BudgetPeriod, cap float64) error {
	if user == "" {
		return apperr.New(apperr.ErrValidation, "user is required")
	}
	if !period.Valid() {
		return apperr.New(apperr.ErrValidation, "unknown budget period %q", period)
	}
	if cap < 0 || math.IsNaN(cap) || math.IsInf(cap, 0) {
		return apperr.New(apperr.ErrValidation, "cap must be a non-negative number")
	}
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	lim := l.limit(a, user, period)
	lim.Cap = cap
	lim.HasCap = true
	return l.persistLimit(ctx, *lim)
}

// ClearCap removes the cap for one period; spend keeps accumulating.
func (l *Ledger) ClearCap(ctx context.Context, user string, period models.BudgetPeriod) error {
	if !period.Valid() {
		return apperr.New(apperr.ErrValidation, "unknown budget period %q", period)
	}
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	lim := l.limit(a, user, period)
	lim.Cap = 0
	lim.HasCap = false
	return l.persistLimit(ctx, *lim)
}

// Admit reports whether spending estCost in period stays within the cap.
// An uncapped period always admits. An empty period means day.
func (l *Ledger) Admit(user string, estCost float64, period models.BudgetPeriod) bool {
	if period == "" {
		period = models.PeriodDay
	}
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	lim := l.limit(a, user, period)
	if !lim.HasCap {
		return true
	}
	return lim.Spent+estCost <= lim.Cap
}

// AdmitAll checks every capped period; the first one that would overflow
// is returned.
func (l *Ledger) AdmitAll(user string, estCost float64) (models.BudgetPeriod, bool) {
	for _, p := range models.AllPeriods {
		if !l.Admit(user, estCost, p) {
			return p, false
		}
	}
	return "", true
}

// Cost prices a call from the catalog.
func (l *Ledger) Cost(modelID string, tokensIn, tokensOut int) (float64, error) {
	d, err := l.catalog.Describe(modelID)
	if err != nil {
		return 0, err
	}
	return float64(tokensIn)/1000*d.PricePer1KIn + float64(tokensOut)/1000*d.PricePer1KOut, nil
}

// EstimateCost prices a call before it is made.
func (l *Ledger) EstimateCost(modelID string, tokensIn, expectedOut int) (float64, error) {
	return l.Cost(modelID, tokensIn, expectedOut)
}

// Charge records realized usage against every period of the user and
// appends a transaction. It returns the cost charged.
func (l *Ledger) Charge(ctx context.Context, user, modelID string, tokensIn, tokensOut int, hint string) (float64, error) {
	cost, err := l.Cost(modelID, tokensIn, tokensOut)
	if err != nil {
		return 0, err
	}
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()

	touched := make([]models.BudgetLimit, 0, len(models.AllPeriods))
	for _, p := range models.AllPeriods {
		lim := l.limit(a, user, p)
		lim.Spent += cost
		touched = append(touched, *lim)
	}
	tx := models.Transaction{
		User:      user,
		ModelID:   modelID,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		Cost:      cost,
		Timestamp: l.now(),
		TaskHint:  hint,
	}
	a.txs = append(a.txs, tx)

	if l.store != nil {
		if err := l.store.Record(ctx, tx, touched); err != nil {
			log.Error().Err(err).Str("user", user).Msg("persist budget charge")
		}
	}
	return cost, nil
}

// Remaining returns cap minus spent for period, and false if uncapped.
func (l *Ledger) Remaining(user string, period models.BudgetPeriod) (float64, bool) {
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	lim := l.limit(a, user, period)
	if !lim.HasCap {
		return 0, false
	}
	return lim.Cap - lim.Spent, true
}

// Spent returns the spend in the active window of period.
func (l *Ledger) Spent(user string, period models.BudgetPeriod) float64 {
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	return l.limit(a, user, period).Spent
}

// Limits returns snapshots of every period for user.
func (l *Ledger) Limits(user string) []models.BudgetLimit {
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.BudgetLimit, 0, len(models.AllPeriods))
	for _, p := range models.AllPeriods {
		out = append(out, *l.limit(a, user, p))
	}
	return out
}

// History returns up to limit transactions, newest first. limit <= 0
// returns all.
func (l *Ledger) History(user string, limit int) []models.Transaction {
	a := l.account(user)
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.txs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Transaction, 0, n)
	for i := len(a.txs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, a.txs[i])
	}
	return out
}

// DowngradeIfTight returns a cheaper model of equal or lower quality (but
// at least minQuality) when the user's daily headroom is below
// TightRemaining. allow, when non-nil, filters candidates. Otherwise the
// input id is returned unchanged.
func (l *Ledger) DowngradeIfTight(user, modelID string, minQuality int, allow func(models.ModelDescriptor) bool) string {
	remaining, capped := l.Remaining(user, models.PeriodDay)
	if !capped || remaining >= TightRemaining {
		return modelID
	}
	cur, err := l.catalog.Describe(modelID)
	if err != nil {
		return modelID
	}

	var cands []models.ModelDescriptor
	for _, d := range l.catalog.All() {
		if d.ID == modelID || d.Quality > cur.Quality || d.Quality < minQuality {
			continue
		}
		if d.AvgPrice() >= cur.AvgPrice() || !d.Has(models.CapText) {
			continue
		}
		if allow != nil && !allow(d) {
			continue
		}
		cands = append(cands, d)
	}
	if len(cands) == 0 {
		return modelID
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].AvgPrice() != cands[j].AvgPrice() {
			return cands[i].AvgPrice() < cands[j].AvgPrice()
		}
		if cands[i].Quality != cands[j].Quality {
			return cands[i].Quality > cands[j].Quality
		}
		return cands[i].ID < cands[j].ID
	})
	log.Info().Str("user", user).Str("from", modelID).Str("to", cands[0].ID).
		Float64("remaining", remaining).Msg("budget tight, downgrading model")
	return cands[0].ID
}

func (l *Ledger) persistLimit(ctx context.Context, lim models.BudgetLimit) error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveLimit(ctx, lim)
}
