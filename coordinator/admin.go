package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/icodeforyou/energycontract-go/calc"
	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/hours"
	"github.com/icodeforyou/energycontract-go/netting"
	"github.com/icodeforyou/energycontract-go/overage"
	"github.com/icodeforyou/energycontract-go/solarbonus"
)

// ResetAll zeroes every metric and every ledger. Ledgers that are switched
// off are zeroed in the store, so enabling them later starts from nothing.
func (c *Coordinator) ResetAll(ctx context.Context) {
	c.batch(ctx, func(b *batch) {
		for _, id := range c.order {
			c.set(b, c.meters[id], 0)
		}
		if c.netting != nil {
			c.netting.ResetAll(ctx)
		} else {
			c.resetStored(ctx, netting.DefaultKey, func() error {
				l, err := netting.New(ctx, c.store, netting.DefaultKey, netting.Settings{})
				if err == nil {
					l.ResetAll(ctx)
				}
				return err
			})
		}
		if c.overage != nil {
			c.overage.ResetAll(ctx)
		} else {
			c.resetStored(ctx, overage.DefaultKey, func() error {
				l, err := overage.New(ctx, c.store, overage.DefaultKey)
				if err == nil {
					l.ResetAll(ctx)
				}
				return err
			})
		}
		if c.solar != nil {
			c.solar.ResetYear(ctx)
		} else {
			c.resetStored(ctx, solarbonus.DefaultKey, func() error {
				t, err := solarbonus.New(ctx, c.store, solarbonus.DefaultKey, c.cfg.Settings.ContractStartDate)
				if err == nil {
					t.SetClock(c.now)
					t.ResetYear(ctx)
				}
				return err
			})
		}
	})
	c.logger.Info("all metrics and ledgers reset")
}

// resetStored runs reset when a state record exists under key. Must be called
// with the lock held.
func (c *Coordinator) resetStored(ctx context.Context, key string, reset func() error) {
	_, found, err := c.store.LoadState(ctx, key)
	if err == nil && !found {
		return
	}
	if err == nil {
		err = reset()
	}
	if err != nil {
		c.logger.Warn("failed to reset stored ledger", slog.String("key", key), slog.Any("error", err))
	}
}

// ResetSelected zeroes the named metrics. Ledgers are not touched. Unknown
// ids are reported after the known ones have been reset.
func (c *Coordinator) ResetSelected(ctx context.Context, ids []string) error {
	var unknown []string
	c.batch(ctx, func(b *batch) {
		for _, id := range ids {
			m, ok := c.meters[id]
			if !ok {
				unknown = append(unknown, id)
				continue
			}
			c.set(b, m, 0)
		}
	})
	c.logger.Info("metrics reset", slog.Any("meters", ids))
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownMeter, strings.Join(unknown, ", "))
	}
	return nil
}

// SetValue overwrites the accumulated value of one metric.
func (c *Coordinator) SetValue(ctx context.Context, id string, value float64) error {
	var err error
	c.batch(ctx, func(b *batch) {
		m, ok := c.meters[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownMeter, id)
			return
		}
		c.set(b, m, value)
	})
	if err == nil {
		c.logger.Info("metric value set", slog.String("meter", id), slog.Float64("value", value))
	}
	return err
}

// SetNettingEnabled toggles netting and rebuilds the coordinator.
func (c *Coordinator) SetNettingEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	cfg := c.cfg
	cfg.Sources = slices.Clone(c.cfg.Sources)
	c.mu.Unlock()

	cfg.Settings.NettingEnabled = enabled
	return c.Reconfigure(ctx, cfg)
}

// SetNettingValue overwrites the net consumption balance.
func (c *Coordinator) SetNettingValue(ctx context.Context, kwh float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.netting == nil {
		return ErrNettingDisabled
	}
	c.netting.SetNetConsumption(ctx, kwh)
	c.logger.Info("net consumption set", slog.Float64("kwh", kwh))
	return nil
}

func (c *Coordinator) ResetSolarBonusYear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.solar == nil {
		return ErrSolarBonusDisabled
	}
	c.solar.ResetYear(ctx)
	c.logger.Info("solar bonus year reset")
	return nil
}

// AddDailyFixedCosts books one day of connection fees and standing charges.
func (c *Coordinator) AddDailyFixedCosts(ctx context.Context) {
	c.batch(ctx, func(b *batch) {
		s := c.cfg.Settings
		if m, ok := c.meters[AggregateDailyElectricityCost]; ok {
			c.add(b, m, calc.DailyElectricityCost(s))
		}
		if m, ok := c.meters[AggregateDailyGasCost]; ok {
			c.add(b, m, calc.DailyGasCost(s))
		}
	})
	c.logger.Info("daily fixed costs added")
}

func (c *Coordinator) set(b *batch, m *meter, value float64) {
	value = convert.EightDecimals(value)
	if m.value == value {
		return
	}
	m.value = value
	b.touch(m.id)
}

type NettingDiagnostics struct {
	NetConsumptionKWh   float64                   `json:"net_consumption_kwh"`
	TaxBalance          float64                   `json:"tax_balance"`
	TaxBalancePerSensor map[string]float64        `json:"tax_balance_per_sensor"`
	Contributions       []netting.TaxContribution `json:"tax_contributions"`
}

type OverageDiagnostics struct {
	overage.State
	PendingValue float64 `json:"pending_value"`
}

type SolarBonusDiagnostics struct {
	solarbonus.State
	CurrentContractYearStart string `json:"current_contract_year_start"`
}

// Diagnostics is a snapshot of the ledger totals.
type Diagnostics struct {
	Settings     calc.Settings          `json:"settings"`
	Netting      *NettingDiagnostics    `json:"netting,omitempty"`
	Overage      *OverageDiagnostics    `json:"overage,omitempty"`
	SolarBonus   *SolarBonusDiagnostics `json:"solar_bonus,omitempty"`
	ActiveFaults []string               `json:"active_faults"`
}

func (c *Coordinator) Diagnostics() Diagnostics {
	faults := c.ActiveFaults()

	c.mu.Lock()
	defer c.mu.Unlock()

	d := Diagnostics{Settings: c.cfg.Settings, ActiveFaults: faults}
	if c.netting != nil {
		snap := c.netting.Snapshot()
		d.Netting = &NettingDiagnostics{
			NetConsumptionKWh:   snap.NetConsumptionKWh,
			TaxBalance:          c.netting.TaxBalance(),
			TaxBalancePerSensor: c.netting.TaxBalancePerSensor(),
			Contributions:       snap.TaxContributions,
		}
	}
	if c.overage != nil {
		d.Overage = &OverageDiagnostics{State: c.overage.Snapshot(), PendingValue: c.overage.PendingValue()}
	}
	if c.solar != nil {
		d.SolarBonus = &SolarBonusDiagnostics{
			State:                    c.solar.Snapshot(),
			CurrentContractYearStart: hours.FormatDate(c.solar.CurrentContractYearStart(c.now())),
		}
	}
	return d
}
