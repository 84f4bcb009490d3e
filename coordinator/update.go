package coordinator

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/icodeforyou/energycontract-go/calc"
	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/hours"
	"github.com/icodeforyou/energycontract-go/reading"
	"github.com/icodeforyou/energycontract-go/types"
)

type price struct {
	value float64
	valid bool
}

// faultState follows one input through unavailability. A fault is raised
// once the input has been unavailable for GracePeriod.
type faultState struct {
	since  time.Time
	raised bool
}

func (f *faultState) fail(now time.Time) {
	if f.since.IsZero() {
		f.since = now
	}
}

func (f *faultState) due(now time.Time) bool {
	return !f.since.IsZero() && !f.raised && now.Sub(f.since) >= GracePeriod
}

// recover resets the state and reports whether a fault had been raised.
func (f *faultState) recover() bool {
	raised := f.raised
	*f = faultState{}
	return raised
}

// priceBlock is the set of spot price entities priced together. The readings
// of all valid entities are summed.
type priceBlock struct {
	entities  []string
	valid     []float64
	available bool
	fault     faultState
}

func newPriceBlock(entities []string) *priceBlock {
	return &priceBlock{entities: slices.Clone(entities)}
}

func (b *priceBlock) refresh(prices map[string]price) {
	b.valid = b.valid[:0]
	for _, e := range b.entities {
		if p, ok := prices[e]; ok && p.valid {
			b.valid = append(b.valid, p.value)
		}
	}
	b.available = len(b.valid) > 0
}

func (b *priceBlock) faultID() string {
	if len(b.entities) == 0 {
		return ""
	}
	return priceFaultID(b.entities[0])
}

func energyFaultID(entity string) string {
	return "energy_unavailable_" + entity
}

func priceFaultID(entity string) string {
	return "price_unavailable_" + entity
}

func (c *Coordinator) block(kind types.SourceKind) *priceBlock {
	if kind == types.SourceGas {
		return c.gasPrices
	}
	return c.elPrices
}

func (c *Coordinator) priceBlocks() []*priceBlock {
	var out []*priceBlock
	for _, b := range []*priceBlock{c.elPrices, c.gasPrices} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// UpdateState feeds a new host state for entityID. Meters reading the entity
// are re-evaluated. Invalid states never fail, they make the depending meters
// unavailable.
func (c *Coordinator) UpdateState(ctx context.Context, entityID, raw string, at time.Time) {
	c.batch(ctx, func(b *batch) {
		if at.IsZero() {
			at = c.now()
		}
		handled := false

		if src, ok := c.sources[entityID]; ok {
			c.updateSource(ctx, b, src, raw, at)
			handled = true
		}
		for _, block := range c.priceBlocks() {
			if slices.Contains(block.entities, entityID) {
				c.updatePrice(b, block, entityID, raw, at)
				handled = true
			}
		}
		if entityID != "" && entityID == c.cfg.SunEntity {
			c.sunState = strings.ToLower(strings.TrimSpace(raw))
			b.aggregates = true
			handled = true
		}

		if !handled {
			c.logger.Debug("ignoring state of unknown entity", slog.String("entity", entityID))
			return
		}
		c.checkFaults(at)
	})
}

func (c *Coordinator) updateSource(ctx context.Context, b *batch, src *source, raw string, at time.Time) {
	v, ok := reading.ParseState(raw)
	if !ok {
		c.logger.Debug("energy reading unavailable", slog.String("entity", src.entity), slog.String("state", raw),
			slog.Any("last_reading", src.tracker.Previous()))
		for _, m := range src.meters {
			c.setAvailable(b, m, false)
		}
		src.fault.fail(at)
		return
	}

	if src.fault.recover() {
		c.faults.Clear(energyFaultID(src.entity))
		c.logger.Info("energy source available again", slog.String("entity", src.entity))
	}

	delta := src.tracker.Observe(v)
	block := c.block(src.kind)
	if !block.available && len(block.entities) > 0 {
		block.fault.fail(at)
	}
	for _, m := range src.meters {
		c.evaluate(ctx, b, m, delta, block)
	}
}

func (c *Coordinator) updatePrice(b *batch, block *priceBlock, entityID, raw string, at time.Time) {
	v, ok := reading.ParseState(raw)
	if c.prices[entityID].valid != ok {
		c.netForecasts = nil
	}
	c.prices[entityID] = price{value: v, valid: ok}
	b.aggregates = true
	if !ok {
		c.logger.Debug("price unavailable", slog.String("entity", entityID), slog.String("state", raw))
	}

	wasAvailable := block.available
	block.refresh(c.prices)
	if block.available == wasAvailable && block.available {
		return
	}

	if !block.available {
		block.fault.fail(at)
	} else if block.fault.recover() {
		c.faults.Clear(block.faultID())
		c.logger.Info("price available again", slog.String("entity", block.entities[0]))
	}

	for _, src := range c.sources {
		if c.block(src.kind) != block || !src.fault.since.IsZero() || !src.tracker.Previous().IsValid() {
			continue
		}
		for _, m := range src.meters {
			if !m.mode.IsVolume() {
				c.setAvailable(b, m, block.available)
			}
		}
	}
}

// evaluate books delta on one meter. Must be called with the lock held.
func (c *Coordinator) evaluate(ctx context.Context, b *batch, m *meter, delta float64, block *priceBlock) {
	if m.mode.IsVolume() {
		c.setAvailable(b, m, true)
		c.add(b, m, delta)
		return
	}

	if !block.available {
		c.setAvailable(b, m, false)
		return
	}
	c.setAvailable(b, m, true)
	if delta <= 0 {
		return
	}

	s := c.cfg.Settings
	unitPrice, rawValue, err := calc.Compute(delta, block.valid, s, m.kind)
	if err != nil {
		c.logger.Warn("skipping meter update", slog.String("meter", m.id), slog.Any("error", err))
		return
	}
	spot := calc.SumPrices(block.valid)
	adjusted, credit := c.adjust(ctx, b, m, delta, spot, unitPrice, rawValue)

	amount, ok := calc.Classify(m.kind, m.mode, delta, rawValue, adjusted)
	if ok {
		c.add(b, m, amount)
	}
	c.add(b, m, credit)

	c.logger.Debug("meter evaluated",
		slog.String("meter", m.id),
		slog.Float64("delta", delta),
		slog.Float64("unit_price", unitPrice),
		slog.Float64("raw_value", rawValue),
		slog.Float64("adjusted_value", adjusted),
		slog.Float64("credit", credit),
		slog.Float64("total", m.value))
}

// adjust runs the ledgers that apply to the meter. It returns the value to
// classify and a non-negative credit that is always booked on the meter.
func (c *Coordinator) adjust(ctx context.Context, b *batch, m *meter, delta, spot, unitPrice, rawValue float64) (adjusted, credit float64) {
	s := c.cfg.Settings
	adjusted = rawValue

	switch {
	case m.kind == types.SourceConsumption && m.mode == types.ModeCostTotal:
		if c.netting != nil {
			base := delta * calc.BaseUnitPrice(spot, s, m.kind)
			_, taxable := c.netting.RecordConsumption(ctx, m.id, delta, calc.TaxUnitPrice(s, m.kind))
			adjusted = base + taxable
		}
		if c.overage != nil {
			for _, a := range c.overage.RecordConsumption(ctx, delta) {
				c.compensate(b, a.SensorID, a.Value)
			}
		}

	case m.kind == types.SourceProduction && m.mode == types.ModeProfitTotal:
		if c.overage != nil {
			r := c.overage.RecordProduction(ctx, m.id, delta, unitPrice, calc.OverageUnitPrice(s))
			if rawValue >= 0 {
				adjusted = r.Value()
			}
		}
		if c.netting != nil {
			_, _, adjustments := c.netting.RecordProduction(ctx, delta, calc.TaxUnitPrice(s, types.SourceConsumption))
			for _, a := range adjustments {
				credit += a.Value
			}
		}
		if c.solar != nil {
			bonus, _ := c.solar.CalculateBonus(ctx, delta, spot, s.ElectricityProductionMarkup,
				s.SolarBonusPercentage, s.SolarBonusAnnualLimitKWh)
			credit += bonus
		}
	}
	return adjusted, credit
}

func (c *Coordinator) compensate(b *batch, meterID string, value float64) {
	m, ok := c.meters[meterID]
	if !ok {
		c.logger.Warn("dropping compensation for unknown meter", slog.String("meter", meterID), slog.Float64("value", value))
		return
	}
	c.add(b, m, value)
}

func (c *Coordinator) add(b *batch, m *meter, amount float64) {
	if amount == 0 {
		return
	}
	m.value = convert.EightDecimals(m.value + amount)
	b.touch(m.id)
}

func (c *Coordinator) setAvailable(b *batch, m *meter, available bool) {
	if m.available == available {
		return
	}
	m.available = available
	b.touch(m.id)
}

// CheckFaults raises faults for inputs that stayed unavailable past the
// grace period even when no new state arrived.
func (c *Coordinator) CheckFaults(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkFaults(c.now())
}

func (c *Coordinator) checkFaults(now time.Time) {
	for _, src := range c.sources {
		if src.fault.due(now) {
			src.fault.raised = true
			c.logger.Warn("energy source unavailable", slog.String("entity", src.entity),
				slog.Duration("for", now.Sub(src.fault.since)))
			c.faults.Raise(energyFaultID(src.entity))
		}
	}
	for _, block := range c.priceBlocks() {
		if len(block.entities) > 0 && block.fault.due(now) {
			block.fault.raised = true
			c.logger.Warn("price sensor unavailable", slog.String("entity", block.entities[0]),
				slog.Duration("for", now.Sub(block.fault.since)))
			c.faults.Raise(block.faultID())
		}
	}
}

// ActiveFaults returns the ids of all currently raised faults.
func (c *Coordinator) ActiveFaults() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, src := range c.sources {
		if src.fault.raised {
			out = append(out, energyFaultID(src.entity))
		}
	}
	for _, block := range c.priceBlocks() {
		if block.fault.raised {
			out = append(out, block.faultID())
		}
	}
	slices.Sort(out)
	return out
}

// daylight feeds the solar bonus tracker. It is only called while the
// coordinator lock is held.
func (c *Coordinator) daylight(t time.Time) (bool, bool) {
	switch c.sunState {
	case "above_horizon":
		return true, true
	case "below_horizon":
		return false, true
	}
	if c.cfg.Latitude != nil && c.cfg.Longitude != nil {
		return hours.IsSunUp(t, *c.cfg.Latitude, *c.cfg.Longitude), true
	}
	return false, false
}
