package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/tiercalc/internal/cache"
	"github.com/opensource-finance/tiercalc/internal/calculators"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/repository"
	"github.com/shopspring/decimal"
)

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func record(t *testing.T, repo domain.Repository, id, kind, amount string, blocked bool, at time.Time) {
	t.Helper()
	save(t, repo, id, kind, amount, blocked, true, at)
}

func save(t *testing.T, repo domain.Repository, id, kind, amount string, blocked, attributed bool, at time.Time) {
	t.Helper()
	status := domain.DecisionApproved
	if blocked {
		status = domain.DecisionBlocked
	}
	calc := &domain.Calculation{
		ID:        id,
		TableID:   kind,
		Kind:      kind,
		SubjectID: "member-1",
		Amount:    decimal.RequireFromString(amount),
		Result:    &domain.CalculationResult{},
		Decision:  &domain.Decision{Status: status, Blocked: blocked},
		CreatedAt: at,
		Metadata:  domain.CalculationMetadata{Attributed: attributed},
	}
	if err := repo.SaveCalculation(context.Background(), "tenant-001", calc); err != nil {
		t.Fatalf("SaveCalculation failed: %v", err)
	}
}

func TestPlanYearStart(t *testing.T) {
	tests := []struct {
		name  string
		at    time.Time
		month time.Month
		want  time.Time
	}{
		{"CalendarYear", time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC), time.January, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"FiscalYearAfterStart", time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC), time.April, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"FiscalYearBeforeStart", time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC), time.April, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"FirstDay", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), time.April, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlanYearStart(tt.at, tt.month); !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestOutOfPocketUsed(t *testing.T) {
	repo := newRepo(t)
	now := time.Now().UTC()

	record(t, repo, "c1", calculators.KindCopay, "500", false, now.Add(-time.Hour))
	record(t, repo, "c2", calculators.KindCopay, "2600.50", false, now.Add(-time.Minute))
	record(t, repo, "c3", calculators.KindCopay, "9999", true, now.Add(-time.Minute))
	record(t, repo, "c4", calculators.KindDosing, "270", false, now.Add(-time.Minute))
	record(t, repo, "c5", calculators.KindCopay, "700", false, now.Add(-48*time.Hour))
	// A plain run of the copay table records the copay, not the responsibility.
	save(t, repo, "c6", calculators.KindCopay, "1000", false, false, now.Add(-time.Minute))

	svc := NewService(repo, nil, time.January)
	total, err := svc.OutOfPocketUsed(context.Background(), "tenant-001", "member-1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("OutOfPocketUsed failed: %v", err)
	}
	// Blocked, unattributed and non-copay calculations and those before the
	// window are ignored.
	if !total.Equal(decimal.RequireFromString("3100.50")) {
		t.Errorf("expected 3100.50, got %s", total)
	}

	t.Run("OtherTenant", func(t *testing.T) {
		total, err := svc.OutOfPocketUsed(context.Background(), "tenant-002", "member-1", now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("OutOfPocketUsed failed: %v", err)
		}
		if !total.IsZero() {
			t.Errorf("expected nothing for another tenant, got %s", total)
		}
	})

	t.Run("RequiresIDs", func(t *testing.T) {
		if _, err := svc.OutOfPocketUsed(context.Background(), "tenant-001", "", now); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty subject, got %v", err)
		}
	})
}

func TestOutOfPocketCaching(t *testing.T) {
	repo := newRepo(t)
	lru := cache.NewLRUCache(100)
	defer lru.Close()

	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	record(t, repo, "c1", calculators.KindCopay, "500", false, now.Add(-time.Hour))

	svc := NewService(repo, lru, time.January)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := svc.OutOfPocketThisPlanYear(ctx, "tenant-001", "member-1")
	if err != nil {
		t.Fatalf("OutOfPocketThisPlanYear failed: %v", err)
	}
	if !first.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 500, got %s", first)
	}

	record(t, repo, "c2", calculators.KindCopay, "250", false, now.Add(-time.Minute))

	cached, _ := svc.OutOfPocketThisPlanYear(ctx, "tenant-001", "member-1")
	if !cached.Equal(first) {
		t.Errorf("expected cached total %s, got %s", first, cached)
	}

	svc.Invalidate(ctx, "tenant-001", "member-1")
	fresh, _ := svc.OutOfPocketThisPlanYear(ctx, "tenant-001", "member-1")
	if !fresh.Equal(decimal.NewFromInt(750)) {
		t.Errorf("expected 750 after invalidation, got %s", fresh)
	}
}

func TestNewServiceDefaultsMonth(t *testing.T) {
	svc := NewService(nil, nil, 0)
	if svc.planYearStart != time.January {
		t.Errorf("expected January, got %s", svc.planYearStart)
	}
	if _, err := svc.OutOfPocketUsed(context.Background(), "t", "s", time.Now()); err == nil {
		t.Error("expected error without a repository")
	}
}
