// Package coordinator turns host entity states into accumulated contract
// metrics. It owns one accumulator per (source, mode), routes deltas through
// the tariff calculator and the netting, overage and solar bonus ledgers and
// reports sustained input faults.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/icodeforyou/energycontract-go/calc"
	"github.com/icodeforyou/energycontract-go/netting"
	"github.com/icodeforyou/energycontract-go/overage"
	"github.com/icodeforyou/energycontract-go/reading"
	"github.com/icodeforyou/energycontract-go/solarbonus"
	"github.com/icodeforyou/energycontract-go/types"
)

// GracePeriod is how long an input may stay unavailable before a fault is
// reported.
const GracePeriod = 60 * time.Second

var (
	ErrUnknownMeter       = errors.New("unknown meter")
	ErrNettingDisabled    = errors.New("netting is not enabled")
	ErrSolarBonusDisabled = errors.New("solar bonus is not enabled")
)

type Source struct {
	Entity string
	Kind   types.SourceKind
}

// Config is everything the coordinator is built from. It is replaced as a
// whole on reconfiguration.
type Config struct {
	Settings        calc.Settings
	Sources         []Source
	PriceSensors    []string
	GasPriceSensors []string
	SunEntity       string
	Latitude        *float64
	Longitude       *float64
}

// FaultReporter is notified once when an input has been unavailable for
// longer than GracePeriod and once when it recovers.
type FaultReporter interface {
	Raise(id string)
	Clear(id string)
}

// MeterStore persists accumulated metric values.
type MeterStore interface {
	LoadMeterTotals(ctx context.Context) (map[string]float64, error)
	SaveMeterTotal(ctx context.Context, id string, value float64) error
}

type MeterState struct {
	ID        string           `json:"id"`
	Entity    string           `json:"entity,omitempty"`
	Kind      types.SourceKind `json:"kind,omitempty"`
	Mode      types.Mode       `json:"mode,omitempty"`
	Value     float64          `json:"value"`
	Available bool             `json:"available"`

	// Attributes is only set on the current price metrics.
	Attributes *PriceForecast `json:"attributes,omitempty"`
}

type meter struct {
	id        string
	entity    string
	kind      types.SourceKind
	mode      types.Mode
	value     float64
	available bool
}

func (m *meter) state() MeterState {
	return MeterState{
		ID:        m.id,
		Entity:    m.entity,
		Kind:      m.kind,
		Mode:      m.mode,
		Value:     m.value,
		Available: m.available,
	}
}

type source struct {
	entity  string
	kind    types.SourceKind
	tracker *reading.Tracker
	meters  []*meter
	fault   faultState
}

// MeterID builds the id of the accumulator for an entity and mode.
func MeterID(entity string, mode types.Mode) string {
	return strings.ReplaceAll(entity, ".", "_") + "_" + string(mode)
}

type Coordinator struct {
	mu         sync.Mutex
	cfg        Config
	store      types.StateStore
	meterStore MeterStore
	faults     FaultReporter
	now        func() time.Time
	logger     *slog.Logger

	sources    map[string]*source
	meters     map[string]*meter
	order      []string
	prices     map[string]price
	elPrices   *priceBlock
	gasPrices  *priceBlock
	sunState   string
	aggregates *Aggregates

	forecasts    map[string]map[ForecastDay][]forecastEntry
	netForecasts map[types.SourceKind]*PriceForecast

	netting  *netting.Ledger
	overage  *overage.Ledger
	solar    *solarbonus.Tracker
	releases []func()

	listeners []func(MeterState)
}

type nopReporter struct{}

func (nopReporter) Raise(string) {}
func (nopReporter) Clear(string) {}

// New builds the coordinator, restores persisted totals and opens the ledgers
// enabled in cfg.
func New(ctx context.Context, cfg Config, store types.StateStore, meterStore MeterStore, faults FaultReporter) (*Coordinator, error) {
	if faults == nil {
		faults = nopReporter{}
	}
	c := &Coordinator{
		store:      store,
		meterStore: meterStore,
		faults:     faults,
		now:        time.Now,
		logger:     slog.Default().With("module", "coordinator"),
		sources:    make(map[string]*source),
		meters:     make(map[string]*meter),
		prices:     make(map[string]price),
		forecasts:  make(map[string]map[ForecastDay][]forecastEntry),
	}

	totals, err := meterStore.LoadMeterTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading meter totals: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.apply(ctx, cfg, totals); err != nil {
		return nil, err
	}
	c.logger.Info("coordinator started",
		slog.Int("sources", len(c.sources)),
		slog.Int("meters", len(c.meters)),
		slog.Bool("netting", c.netting != nil),
		slog.Bool("overage", c.overage != nil),
		slog.Bool("solar_bonus", c.solar != nil))
	return c, nil
}

// SetClock replaces the time source used for grace periods and the solar
// bonus contract year.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	if c.solar != nil {
		c.solar.SetClock(now)
	}
}

// OnChange registers a listener called with every changed metric.
func (c *Coordinator) OnChange(f func(MeterState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, f)
}

// Reconfigure replaces the configuration. Totals of meters that still exist
// are kept, ledgers are opened or closed to match the new toggles.
func (c *Coordinator) Reconfigure(ctx context.Context, cfg Config) error {
	var err error
	c.batch(ctx, func(b *batch) {
		totals := make(map[string]float64, len(c.meters))
		for id, m := range c.meters {
			totals[id] = m.value
		}
		err = c.apply(ctx, cfg, totals)
		for _, id := range c.order {
			b.touch(id)
		}
	})
	if err != nil {
		return err
	}
	c.logger.Info("configuration replaced",
		slog.Int("sources", len(cfg.Sources)),
		slog.Bool("netting", cfg.Settings.NettingEnabled))
	return nil
}

// apply builds meters and ledgers from cfg. Must be called with the lock held.
func (c *Coordinator) apply(ctx context.Context, cfg Config, totals map[string]float64) error {
	if err := c.applyLedgers(ctx, cfg); err != nil {
		return err
	}

	oldSources, oldMeters := c.sources, c.meters
	c.cfg = cfg
	c.sources = make(map[string]*source)
	c.meters = make(map[string]*meter)
	c.order = nil

	for _, block := range c.priceBlocks() {
		if block.fault.raised {
			c.faults.Clear(block.faultID())
		}
	}
	c.elPrices = newPriceBlock(cfg.PriceSensors)
	c.gasPrices = newPriceBlock(cfg.GasPriceSensors)
	c.netForecasts = nil

	hasElectricity, hasGas := false, false
	for _, s := range cfg.Sources {
		if _, dup := c.sources[s.Entity]; dup {
			c.logger.Warn("ignoring duplicate source", slog.String("entity", s.Entity))
			continue
		}
		src := &source{entity: s.Entity, kind: s.Kind, tracker: reading.NewTracker()}
		if old, ok := oldSources[s.Entity]; ok && old.kind == s.Kind {
			src.tracker = old.tracker
			src.fault = old.fault
		}

		withPrice := len(c.block(s.Kind).entities) > 0
		modes := types.ModesFor(s.Kind, withPrice)
		if clash, ok := c.meterClash(s.Entity, modes); ok {
			c.logger.Warn("ignoring source with clashing meter id",
				slog.String("entity", s.Entity), slog.String("meter", clash.id), slog.String("taken_by", clash.entity))
			continue
		}
		for _, mode := range modes {
			m := &meter{
				id:     MeterID(s.Entity, mode),
				entity: s.Entity,
				kind:   s.Kind,
				mode:   mode,
				value:  totals[MeterID(s.Entity, mode)],
			}
			if old, ok := oldMeters[m.id]; ok {
				m.available = old.available
			}
			src.meters = append(src.meters, m)
			c.addMeter(m)
		}
		c.sources[s.Entity] = src

		if s.Kind == types.SourceGas {
			hasGas = true
		} else {
			hasElectricity = true
		}
	}

	for entity, old := range oldSources {
		if _, ok := c.sources[entity]; !ok && old.fault.raised {
			c.faults.Clear(energyFaultID(entity))
		}
	}

	if hasElectricity {
		c.addMeter(&meter{id: AggregateDailyElectricityCost, value: totals[AggregateDailyElectricityCost], available: true})
	}
	if hasGas {
		c.addMeter(&meter{id: AggregateDailyGasCost, value: totals[AggregateDailyGasCost], available: true})
	}
	c.aggregates = newAggregates(c.order, c.meters)

	for _, r := range c.releases {
		r()
	}
	c.releases = nil
	if c.netting != nil {
		for _, m := range c.meters {
			if m.kind == types.SourceConsumption && m.mode == types.ModeCostTotal {
				c.releases = append(c.releases, c.netting.Register(m.id))
			}
		}
	}

	for _, block := range c.priceBlocks() {
		block.refresh(c.prices)
	}
	return nil
}

// meterClash returns the existing meter whose id one of the meters of
// entity would take. Different entities can map to the same id, e.g.
// sensor.a_b and sensor_a.b.
func (c *Coordinator) meterClash(entity string, modes []types.Mode) (*meter, bool) {
	for _, mode := range modes {
		if m, ok := c.meters[MeterID(entity, mode)]; ok {
			return m, true
		}
	}
	return nil, false
}

func (c *Coordinator) addMeter(m *meter) {
	c.meters[m.id] = m
	c.order = append(c.order, m.id)
}

func (c *Coordinator) applyLedgers(ctx context.Context, cfg Config) error {
	s := cfg.Settings

	if s.NettingEnabled {
		ns := netting.Settings{TaxRate: s.ElectricityTax, VATFactor: calc.VATFactor(s)}
		if c.netting == nil {
			l, err := netting.New(ctx, c.store, netting.DefaultKey, ns)
			if err != nil {
				return fmt.Errorf("opening netting ledger: %w", err)
			}
			c.netting = l
		} else {
			c.netting.UpdateSettings(ns)
		}
	} else {
		c.netting = nil
	}

	if s.OverageCompensationEnabled {
		if c.overage == nil {
			l, err := overage.New(ctx, c.store, overage.DefaultKey)
			if err != nil {
				return fmt.Errorf("opening overage ledger: %w", err)
			}
			c.overage = l
		}
	} else {
		c.overage = nil
	}

	if s.SolarBonusEnabled {
		if c.solar == nil {
			t, err := solarbonus.New(ctx, c.store, solarbonus.DefaultKey, s.ContractStartDate)
			if err != nil {
				return fmt.Errorf("opening solar bonus tracker: %w", err)
			}
			t.SetClock(c.now)
			t.SetDaylight(c.daylight)
			c.solar = t
		} else {
			c.solar.SetContractStart(s.ContractStartDate)
		}
	} else {
		c.solar = nil
	}
	return nil
}

// Meters returns the ids of all accumulators in creation order.
func (c *Coordinator) Meters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Entities lists every host entity the coordinator wants to receive.
func (c *Coordinator) Entities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.cfg.Sources {
		out = append(out, s.Entity)
	}
	out = append(out, c.cfg.PriceSensors...)
	out = append(out, c.cfg.GasPriceSensors...)
	if c.cfg.SunEntity != "" {
		out = append(out, c.cfg.SunEntity)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *Coordinator) Meter(id string) (MeterState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.meters[id]
	if !ok {
		return MeterState{}, false
	}
	return m.state(), true
}

// Snapshot returns every accumulator followed by the derived aggregates.
func (c *Coordinator) Snapshot() []MeterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MeterState, 0, len(c.order)+8)
	for _, id := range c.order {
		out = append(out, c.meters[id].state())
	}
	return append(out, c.aggregateStates()...)
}

type batch struct {
	touched    map[string]bool
	aggregates bool
}

func (b *batch) touch(id string) {
	if b.touched == nil {
		b.touched = make(map[string]bool)
	}
	b.touched[id] = true
}

// batch runs fn under the lock, then persists and announces every meter fn
// touched. Listeners are called after the lock is released.
func (c *Coordinator) batch(ctx context.Context, fn func(b *batch)) {
	b := &batch{}

	c.mu.Lock()
	fn(b)
	var changed []MeterState
	for _, id := range c.order {
		if !b.touched[id] {
			continue
		}
		m := c.meters[id]
		if err := c.meterStore.SaveMeterTotal(ctx, m.id, m.value); err != nil {
			c.logger.Warn("failed to save meter total", slog.String("meter", m.id), slog.Any("error", err))
		}
		changed = append(changed, m.state())
	}
	if len(changed) > 0 || b.aggregates {
		changed = append(changed, c.aggregateStates()...)
	}
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, s := range changed {
		for _, l := range listeners {
			l(s)
		}
	}
}
