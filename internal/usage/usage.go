// Package usage accumulates what a subject has already been charged, so
// calculations that depend on history (out-of-pocket maximums) can be fed
// from the calculation audit trail.
package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/tiercalc/internal/calculators"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/shopspring/decimal"
)

// cacheTTL bounds how stale a cached total may be when a write path forgets
// to invalidate it.
const cacheTTL = 30 * time.Second

// Service sums recorded calculation amounts per subject.
type Service struct {
	repo          domain.Repository
	cache         domain.Cache
	planYearStart time.Month
	now           func() time.Time
}

// NewService creates a usage service. cache may be nil. planYearStart is the
// month the out-of-pocket accumulator resets.
func NewService(repo domain.Repository, cache domain.Cache, planYearStart time.Month) *Service {
	if planYearStart < time.January || planYearStart > time.December {
		planYearStart = time.January
	}
	return &Service{
		repo:          repo,
		cache:         cache,
		planYearStart: planYearStart,
		now:           time.Now,
	}
}

// PlanYearStart returns the start of the plan year containing t.
func PlanYearStart(t time.Time, month time.Month) time.Time {
	t = t.UTC()
	year := t.Year()
	if t.Month() < month {
		year--
	}
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

// OutOfPocketUsed returns the patient responsibility a subject has accumulated
// through co-payment calculations since the given time.
func (s *Service) OutOfPocketUsed(ctx context.Context, tenantID, subjectID string, since time.Time) (decimal.Decimal, error) {
	if tenantID == "" || subjectID == "" {
		return decimal.Zero, fmt.Errorf("%w: tenantID and subjectID are required", domain.ErrInvalidInput)
	}
	if s.repo == nil {
		return decimal.Zero, fmt.Errorf("no data source available")
	}

	key := cacheKey(subjectID, since)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, tenantID, key); err == nil && cached != nil {
			if total, err := decimal.NewFromString(string(cached)); err == nil {
				return total, nil
			}
		}
	}

	calcs, err := s.repo.ListCalculationsBySubject(ctx, tenantID, subjectID, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list calculations: %w", err)
	}

	total := decimal.Zero
	for _, c := range calcs {
		// Only the copay calculator records patient responsibility; a plain
		// run of a copay table records the copay alone.
		if c.Kind != calculators.KindCopay || !c.Metadata.Attributed {
			continue
		}
		if c.Decision != nil && c.Decision.Blocked {
			continue
		}
		total = total.Add(c.Amount)
	}

	if s.cache != nil {
		s.cache.Set(ctx, tenantID, key, []byte(total.String()), cacheTTL)
	}
	return total, nil
}

// OutOfPocketThisPlanYear is OutOfPocketUsed from the start of the current
// plan year.
func (s *Service) OutOfPocketThisPlanYear(ctx context.Context, tenantID, subjectID string) (decimal.Decimal, error) {
	return s.OutOfPocketUsed(ctx, tenantID, subjectID, PlanYearStart(s.now(), s.planYearStart))
}

// Invalidate drops the cached current plan year total of a subject. Call it
// after recording a co-payment for the subject.
func (s *Service) Invalidate(ctx context.Context, tenantID, subjectID string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, tenantID, cacheKey(subjectID, PlanYearStart(s.now(), s.planYearStart)))
}

func cacheKey(subjectID string, since time.Time) string {
	return "oop:" + subjectID + ":" + strconv.FormatInt(since.Unix(), 10)
}
