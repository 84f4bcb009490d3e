// Package solarbonus computes the supplier bonus on solar production. The
// bonus is a percentage of the production compensation, paid for daylight
// production only and capped per contract year.
package solarbonus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/hours"
	"github.com/icodeforyou/energycontract-go/types"
)

const (
	StateVersion = 1
	DefaultKey   = "solar_bonus"
)

// DaylightFunc reports whether it is daylight at t. When known is false the
// tracker falls back to 06:00-20:00 local time.
type DaylightFunc func(t time.Time) (daylight bool, known bool)

type State struct {
	ContractYearStart *string `json:"contract_year_start"`
	YearProductionKWh float64 `json:"year_production_kwh"`
	TotalBonusEuro    float64 `json:"total_bonus_euro"`
}

type Tracker struct {
	mu            sync.Mutex
	store         types.StateStore
	key           string
	contractStart *time.Time
	now           func() time.Time
	daylight      DaylightFunc

	yearStart      time.Time
	yearProduction float64
	totalBonus     float64
	logger         *slog.Logger
}

func New(ctx context.Context, store types.StateStore, key string, contractStart *time.Time) (*Tracker, error) {
	if key == "" {
		key = DefaultKey
	}
	t := &Tracker{
		store:         store,
		key:           key,
		contractStart: contractStart,
		now:           time.Now,
		logger:        slog.Default().With("module", "solarbonus"),
	}

	rec, found, err := store.LoadState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading solar bonus state %q: %w", key, err)
	}
	if found {
		t.restore(rec)
	}
	return t, nil
}

func (t *Tracker) restore(rec types.StateRecord) {
	var s State
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		t.logger.Warn("discarding unreadable solar bonus state", slog.Any("error", err))
		return
	}
	if s.ContractYearStart != nil {
		start, err := hours.ParseDate(*s.ContractYearStart)
		if err != nil {
			t.logger.Warn("ignoring stored contract year start", slog.Any("error", err))
		} else {
			t.yearStart = start
		}
	}
	if !math.IsNaN(s.YearProductionKWh) && s.YearProductionKWh > 0 {
		t.yearProduction = s.YearProductionKWh
	}
	if !math.IsNaN(s.TotalBonusEuro) && s.TotalBonusEuro > 0 {
		t.totalBonus = s.TotalBonusEuro
	}
}

// SetClock replaces the time source, used by tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *Tracker) SetDaylight(f DaylightFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.daylight = f
}

// SetContractStart changes the anniversary the contract year is based on.
// The accumulators roll over on the next access if the window moved.
func (t *Tracker) SetContractStart(contractStart *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contractStart = contractStart
}

func (t *Tracker) CurrentContractYearStart(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return hours.ContractYearStart(t.contractStart, now)
}

// rollover resets the accumulators when a new contract year has started.
// Must be called with the lock held.
func (t *Tracker) rollover(ctx context.Context, now time.Time) {
	start := hours.ContractYearStart(t.contractStart, now)
	if start.Equal(t.yearStart) {
		return
	}
	if !t.yearStart.IsZero() {
		t.logger.Info("new contract year, resetting solar bonus",
			slog.String("previous", hours.FormatDate(t.yearStart)),
			slog.String("current", hours.FormatDate(start)),
			slog.Float64("year_production_kwh", t.yearProduction),
			slog.Float64("total_bonus_euro", t.totalBonus))
	}
	t.yearStart = start
	t.yearProduction = 0
	t.totalBonus = 0
	t.persist(ctx)
}

func (t *Tracker) isDaylight(now time.Time) bool {
	if t.daylight != nil {
		if daylight, known := t.daylight(now); known {
			return daylight
		}
	}
	return hours.IsDaylightFallback(now)
}

// CalculateBonus books production for the bonus and returns the bonus amount
// and the part of deltaKWh that was still under the annual limit.
func (t *Tracker) CalculateBonus(ctx context.Context, deltaKWh, basePrice, productionMarkup, bonusPercentage, annualLimitKWh float64) (bonus, eligibleKWh float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rollover(ctx, now)

	if deltaKWh <= 0 || !t.isDaylight(now) {
		return 0, 0
	}
	compensation := basePrice + productionMarkup
	if compensation <= 0 {
		return 0, 0
	}
	remaining := annualLimitKWh - t.yearProduction
	if remaining <= 0 {
		return 0, 0
	}

	eligibleKWh = math.Min(deltaKWh, remaining)
	bonus = convert.EightDecimals(eligibleKWh * compensation * bonusPercentage / 100)

	t.yearProduction = math.Min(convert.EightDecimals(t.yearProduction+eligibleKWh), annualLimitKWh)
	t.totalBonus = convert.EightDecimals(t.totalBonus + bonus)
	t.persist(ctx)

	return bonus, eligibleKWh
}

// IsActive reports whether production right now would earn a bonus.
func (t *Tracker) IsActive(basePrice, productionMarkup, annualLimitKWh float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	production := t.yearProduction
	if !hours.ContractYearStart(t.contractStart, now).Equal(t.yearStart) {
		production = 0
	}
	return t.isDaylight(now) && basePrice+productionMarkup > 0 && production < annualLimitKWh
}

// ResetYear zeroes the accumulators and recomputes the contract year start.
func (t *Tracker) ResetYear(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.yearStart = hours.ContractYearStart(t.contractStart, t.now())
	t.yearProduction = 0
	t.totalBonus = 0
	t.persist(ctx)
}

func (t *Tracker) YearProductionKWh() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.yearProduction
}

func (t *Tracker) TotalBonusEuro() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalBonus
}

func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() State {
	s := State{
		YearProductionKWh: convert.EightDecimals(t.yearProduction),
		TotalBonusEuro:    convert.EightDecimals(t.totalBonus),
	}
	if !t.yearStart.IsZero() {
		start := hours.FormatDate(t.yearStart)
		s.ContractYearStart = &start
	}
	return s
}

func (t *Tracker) persist(ctx context.Context) {
	data, err := json.Marshal(t.snapshot())
	if err != nil {
		t.logger.Warn("failed to encode solar bonus state", slog.Any("error", err))
		return
	}
	rec := types.StateRecord{Key: t.key, Version: StateVersion, Data: data}
	if err := t.store.SaveState(ctx, rec); err != nil {
		t.logger.Warn("failed to save solar bonus state", slog.String("key", t.key), slog.Any("error", err))
	}
}
