package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/internal/catalog"
	"github.com/appforge/appforge/pkg/models"
)

var textCode = []models.Capability{models.CapText, models.CapCode}

func testCatalog() *catalog.Catalog {
	return catalog.NewWith(
		models.ModelDescriptor{Provider: "openai", Name: "gpt-4o", Capabilities: textCode, Quality: 9, PricePer1KIn: 0.0025, PricePer1KOut: 0.01},
		models.ModelDescriptor{Provider: "openai", Name: "gpt-4o-mini", Capabilities: textCode, Quality: 7, PricePer1KIn: 0.00015, PricePer1KOut: 0.0006},
		models.ModelDescriptor{Provider: "ollama", Name: "llama3.1:8b", Capabilities: textCode, Quality: 5},
		models.ModelDescriptor{Provider: "ollama", Name: "tiny", Capabilities: textCode, Quality: 2},
	)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLedger() (*Ledger, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLedger(testCatalog())
	l.now = c.now
	return l, c
}

func TestAdmitWithoutCap(t *testing.T) {
	l, _ := newTestLedger()
	assert.True(t, l.Admit("alice", 1_000_000, models.PeriodDay))
	_, capped := l.Remaining("alice", models.PeriodDay)
	assert.False(t, capped)
}

func TestAdmitAndCharge(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	require.NoError(t, l.SetCap(ctx, "alice", models.PeriodDay, 0.10))

	// 1000 in + 1000 out on gpt-4o = 0.0025 + 0.01
	cost, err := l.Charge(ctx, "alice", "openai:gpt-4o", 1000, 1000, "ui")
	require.NoError(t, err)
	assert.InDelta(t, 0.0125, cost, 1e-9)

	for _, p := range models.AllPeriods {
		assert.InDelta(t, 0.0125, l.Spent("alice", p), 1e-9, "period %s", p)
	}
	rem, capped := l.Remaining("alice", models.PeriodDay)
	require.True(t, capped)
	assert.InDelta(t, 0.0875, rem, 1e-9)

	assert.True(t, l.Admit("alice", 0.0875, models.PeriodDay))
	assert.False(t, l.Admit("alice", 0.09, models.PeriodDay))

	hist := l.History("alice", 10)
	require.Len(t, hist, 1)
	assert.Equal(t, "ui", hist[0].TaskHint)
}

func TestZeroCapDeniesEverything(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	require.NoError(t, l.SetCap(ctx, "bob", models.PeriodDay, 0))
	assert.False(t, l.Admit("bob", 0.0001, models.PeriodDay))
	assert.True(t, l.Admit("bob", 0, models.PeriodDay))

	p, ok := l.AdmitAll("bob", 0.0001)
	assert.False(t, ok)
	assert.Equal(t, models.PeriodDay, p)
}

func TestWindowsResetIndependently(t *testing.T) {
	ctx := context.Background()
	l, c := newTestLedger()
	_, err := l.Charge(ctx, "alice", "openai:gpt-4o", 1000, 0, "")
	require.NoError(t, err)

	c.advance(61 * time.Minute)
	assert.Zero(t, l.Spent("alice", models.PeriodHour))
	assert.InDelta(t, 0.0025, l.Spent("alice", models.PeriodDay), 1e-9)

	c.advance(24 * time.Hour)
	assert.Zero(t, l.Spent("alice", models.PeriodDay))
	assert.InDelta(t, 0.0025, l.Spent("alice", models.PeriodTotal), 1e-9)
}

func TestDailyTransactionsMatchSpent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	for i := 0; i < 5; i++ {
		_, err := l.Charge(ctx, "alice", "openai:gpt-4o-mini", 500, 250, "")
		require.NoError(t, err)
	}
	var sum float64
	for _, tx := range l.History("alice", 0) {
		sum += tx.Cost
	}
	assert.InDelta(t, sum, l.Spent("alice", models.PeriodDay), 1e-12)
}

func TestConcurrentChargesAreSerialized(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Charge(ctx, "alice", "openai:gpt-4o", 1000, 0, "")
		}()
	}
	wg.Wait()
	assert.InDelta(t, 50*0.0025, l.Spent("alice", models.PeriodDay), 1e-9)
	assert.Len(t, l.History("alice", 0), 50)
}

func TestSetCapValidation(t *testing.T) {
	l, _ := newTestLedger()
	assert.Error(t, l.SetCap(context.Background(), "alice", "fortnight", 1))
	assert.Error(t, l.SetCap(context.Background(), "alice", models.PeriodDay, -1))
	assert.Error(t, l.SetCap(context.Background(), "", models.PeriodDay, 1))
}

func TestDowngradeIfTight(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	// plenty of room: unchanged
	require.NoError(t, l.SetCap(ctx, "alice", models.PeriodDay, 10))
	assert.Equal(t, "openai:gpt-4o", l.DowngradeIfTight("alice", "openai:gpt-4o", 5, nil))

	// under 0.05 left: cheapest model at or above min quality
	require.NoError(t, l.SetCap(ctx, "alice", models.PeriodDay, 0.04))
	assert.Equal(t, "ollama:llama3.1:8b", l.DowngradeIfTight("alice", "openai:gpt-4o", 5, nil))

	// filter excludes ollama
	noOllama := func(d models.ModelDescriptor) bool { return d.Provider != "ollama" }
	assert.Equal(t, "openai:gpt-4o-mini", l.DowngradeIfTight("alice", "openai:gpt-4o", 5, noOllama))

	// min quality above every cheaper model: unchanged
	assert.Equal(t, "openai:gpt-4o", l.DowngradeIfTight("alice", "openai:gpt-4o", 9, nil))
}

func TestPersistentLedgerRestores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "budget.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	l, err := NewPersistentLedger(ctx, testCatalog(), store)
	require.NoError(t, err)
	require.NoError(t, l.SetCap(ctx, "alice", models.PeriodDay, 1))
	_, err = l.Charge(ctx, "alice", "openai:gpt-4o", 1000, 1000, "code")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()
	restored, err := NewPersistentLedger(ctx, testCatalog(), store)
	require.NoError(t, err)

	rem, capped := restored.Remaining("alice", models.PeriodDay)
	require.True(t, capped)
	assert.InDelta(t, 1-0.0125, rem, 1e-9)
	hist := restored.History("alice", 0)
	require.Len(t, hist, 1)
	assert.Equal(t, "openai:gpt-4o", hist[0].ModelID)
	assert.Equal(t, "code", hist[0].TaskHint)
}
