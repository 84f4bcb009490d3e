package coordinator

import (
	"github.com/icodeforyou/energycontract-go/calc"
	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/types"
)

// Ids of the metrics that do not belong to a single source.
const (
	AggregateTotalCost               = "total_cost"
	AggregateDailyElectricityCost    = "daily_electricity_cost_total"
	AggregateDailyGasCost            = "daily_gas_cost_total"
	AggregateTotalEnergyCost         = "total_energy_cost"
	AggregateCurrentConsumptionPrice = "current_consumption_price"
	AggregateCurrentProductionPrice  = "current_production_price"
	AggregateCurrentGasPrice         = "current_gas_price"
	AggregateSolarBonusActive        = "solar_bonus_active"
	AggregateProductionPricePositive = "production_price_positive"
)

// Aggregates holds the ids of the accumulators that are summed into the
// total cost metrics. It is rebuilt together with the meters.
type Aggregates struct {
	costIDs   []string
	profitIDs []string
	fixedIDs  []string
}

func newAggregates(order []string, meters map[string]*meter) *Aggregates {
	a := &Aggregates{}
	for _, id := range order {
		m := meters[id]
		switch {
		case id == AggregateDailyElectricityCost || id == AggregateDailyGasCost:
			a.fixedIDs = append(a.fixedIDs, id)
		case m.mode == types.ModeCostTotal:
			a.costIDs = append(a.costIDs, id)
		case m.mode == types.ModeProfitTotal:
			a.profitIDs = append(a.profitIDs, id)
		}
	}
	return a
}

func sum(ids []string, meters map[string]*meter) float64 {
	total := 0.0
	for _, id := range ids {
		if m, ok := meters[id]; ok {
			total += m.value
		}
	}
	return total
}

// NetCost is all costs minus all profits.
func (a *Aggregates) NetCost(meters map[string]*meter) float64 {
	return convert.EightDecimals(sum(a.costIDs, meters) - sum(a.profitIDs, meters))
}

// TotalEnergyCost is the net cost plus the accumulated fixed daily costs.
func (a *Aggregates) TotalEnergyCost(meters map[string]*meter) float64 {
	return convert.EightDecimals(a.NetCost(meters) + sum(a.fixedIDs, meters))
}

// aggregateStates must be called with the lock held.
func (c *Coordinator) aggregateStates() []MeterState {
	out := []MeterState{
		{ID: AggregateTotalCost, Value: c.aggregates.NetCost(c.meters), Available: true},
		{ID: AggregateTotalEnergyCost, Value: c.aggregates.TotalEnergyCost(c.meters), Available: true},
	}

	s := c.cfg.Settings
	current := func(id string, block *priceBlock, kind types.SourceKind) {
		if block == nil || len(block.entities) == 0 {
			return
		}
		state := MeterState{ID: id, Kind: kind, Available: block.available}
		if block.available {
			if p, err := calc.CurrentPrice(block.valid, s, kind); err == nil {
				state.Value = p
			}
			state.Attributes = c.forecast(block, kind)
		}
		out = append(out, state)
	}
	current(AggregateCurrentConsumptionPrice, c.elPrices, types.SourceConsumption)
	current(AggregateCurrentProductionPrice, c.elPrices, types.SourceProduction)
	current(AggregateCurrentGasPrice, c.gasPrices, types.SourceGas)

	if c.elPrices != nil && len(c.elPrices.entities) > 0 {
		state := MeterState{ID: AggregateProductionPricePositive, Available: c.elPrices.available}
		if c.elPrices.available && calc.SumPrices(c.elPrices.valid)+s.ElectricityProductionMarkup > 0 {
			state.Value = 1
		}
		out = append(out, state)
	}

	if c.solar != nil && c.elPrices != nil {
		state := MeterState{ID: AggregateSolarBonusActive, Available: c.elPrices.available}
		if c.elPrices.available && c.solar.IsActive(calc.SumPrices(c.elPrices.valid), s.ElectricityProductionMarkup, s.SolarBonusAnnualLimitKWh) {
			state.Value = 1
		}
		out = append(out, state)
	}
	return out
}
