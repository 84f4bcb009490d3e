// Package netting keeps the Dutch net-metering ("saldering") balance. Energy
// tax is only due on consumption that is not offset by production, and tax
// that was charged earlier is refunded at its original rate when production
// later brings the balance down.
package netting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/types"
)

const (
	StateVersion = 1
	DefaultKey   = "netting"
	epsilon      = 1e-9

	// Stored values carry eight decimals, so queue and balance may drift by
	// rounding alone.
	restoreTolerance = 1e-6
)

// TaxContribution is consumption that was taxed while the balance was
// positive, tagged with the tax rate and VAT factor in force at the time.
type TaxContribution struct {
	SensorID  string  `json:"sensor_id,omitempty"`
	KWh       float64 `json:"kwh"`
	TaxRate   float64 `json:"tax_rate"`
	VATFactor float64 `json:"vat_factor"`
}

func (c TaxContribution) TaxAmount() float64 {
	return c.KWh * c.TaxRate * c.VATFactor
}

// Adjustment is tax refunded to the consumption meter that paid it.
type Adjustment struct {
	SensorID string  `json:"sensor_id"`
	Value    float64 `json:"value"`
}

// State is the persisted shape of the ledger.
type State struct {
	NetConsumptionKWh float64           `json:"net_consumption_kwh"`
	TaxContributions  []TaxContribution `json:"tax_contributions"`
}

// Settings are the rates new contributions are tagged with.
type Settings struct {
	TaxRate   float64
	VATFactor float64
}

type Ledger struct {
	mu         sync.Mutex
	store      types.StateStore
	key        string
	settings   Settings
	net        float64
	queue      []TaxContribution
	registered map[string]int
	logger     *slog.Logger
}

// New creates a ledger and restores its state from store. Malformed or empty
// contributions in the stored snapshot are dropped, and the queue is brought
// back in line with the restored balance.
func New(ctx context.Context, store types.StateStore, key string, settings Settings) (*Ledger, error) {
	if key == "" {
		key = DefaultKey
	}
	l := &Ledger{
		store:      store,
		key:        key,
		settings:   settings,
		registered: make(map[string]int),
		logger:     slog.Default().With("module", "netting"),
	}

	rec, found, err := store.LoadState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading netting state %q: %w", key, err)
	}
	if found {
		l.restore(rec)
		if l.reconcile() {
			l.persist(ctx)
		}
	}
	return l, nil
}

func (l *Ledger) restore(rec types.StateRecord) {
	if rec.Version > StateVersion {
		l.logger.Warn("netting state has a newer version than supported",
			slog.Int("version", rec.Version), slog.Int("supported", StateVersion))
	}

	var s State
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		l.logger.Warn("discarding unreadable netting state", slog.Any("error", err))
		return
	}
	if isFinite(s.NetConsumptionKWh) {
		l.net = s.NetConsumptionKWh
	}

	dropped := 0
	for _, c := range s.TaxContributions {
		if !isFinite(c.KWh) || !isFinite(c.TaxRate) || !isFinite(c.VATFactor) ||
			c.KWh <= 0 || c.TaxRate < 0 || c.VATFactor <= 0 {
			dropped++
			continue
		}
		l.queue = append(l.queue, c)
	}
	if dropped > 0 {
		l.logger.Warn("dropped malformed tax contributions", slog.Int("count", dropped))
	}
}

// reconcile makes the queued kWh equal max(net, 0). A shortfall becomes one
// contribution at the current rate, an excess is trimmed from the newest
// contributions. It reports whether the queue changed.
func (l *Ledger) reconcile() bool {
	want := math.Max(l.net, 0)
	have := 0.0
	for _, c := range l.queue {
		have += c.KWh
	}

	switch {
	case have < want-restoreTolerance:
		missing := convert.EightDecimals(want - have)
		l.queue = append(l.queue, TaxContribution{
			KWh:       missing,
			TaxRate:   l.settings.TaxRate,
			VATFactor: l.settings.VATFactor,
		})
		l.logger.Warn("netting queue short of balance, added contribution at current rate",
			slog.Float64("net_kwh", l.net), slog.Float64("added_kwh", missing))
		return true

	case have > want+restoreTolerance:
		excess := have - want
		for excess > epsilon && len(l.queue) > 0 {
			last := &l.queue[len(l.queue)-1]
			if last.KWh <= excess+epsilon {
				excess -= last.KWh
				l.queue = l.queue[:len(l.queue)-1]
				continue
			}
			last.KWh = convert.EightDecimals(last.KWh - excess)
			excess = 0
		}
		l.logger.Warn("netting queue exceeds balance, trimmed newest contributions",
			slog.Float64("net_kwh", l.net), slog.Float64("trimmed_kwh", have-want))
		return true
	}
	return false
}

func (l *Ledger) UpdateSettings(s Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings = s
}

// Register starts tracking a consumption meter for per-sensor diagnostics.
// The returned function stops tracking it again.
func (l *Ledger) Register(sensorID string) (release func()) {
	l.mu.Lock()
	l.registered[sensorID]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.registered[sensorID]--
			if l.registered[sensorID] <= 0 {
				delete(l.registered, sensorID)
			}
		})
	}
}

// RecordConsumption adds consumption to the balance. Only the part that
// pushes the balance above zero is taxable.
func (l *Ledger) RecordConsumption(ctx context.Context, sensorID string, deltaKWh, taxUnitPrice float64) (taxableKWh, taxableValue float64) {
	if deltaKWh <= 0 || taxUnitPrice <= 0 {
		return 0, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.net
	after := before + deltaKWh
	taxableKWh = convert.EightDecimals(math.Max(after, 0) - math.Max(before, 0))
	taxableValue = convert.EightDecimals(taxableKWh * taxUnitPrice)

	if taxableKWh > 0 {
		l.queue = append(l.queue, TaxContribution{
			SensorID:  sensorID,
			KWh:       taxableKWh,
			TaxRate:   l.settings.TaxRate,
			VATFactor: l.settings.VATFactor,
		})
	}
	l.net = convert.EightDecimals(after)
	l.persist(ctx)

	return taxableKWh, taxableValue
}

// RecordProduction subtracts production from the balance and unwinds the
// oldest contributions first. The returned adjustments hold the tax to refund
// per consumption meter, valued at the rates the contributions were taxed at.
func (l *Ledger) RecordProduction(ctx context.Context, deltaKWh, taxUnitPrice float64) (creditedKWh, creditedValue float64, adjustments []Adjustment) {
	if deltaKWh <= 0 || taxUnitPrice <= 0 {
		return 0, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.net
	after := before - deltaKWh
	creditedKWh = convert.EightDecimals(math.Max(before, 0) - math.Max(after, 0))
	creditedValue = convert.EightDecimals(creditedKWh * taxUnitPrice)

	switch {
	case after <= 0:
		adjustments = l.unwind(math.Inf(1))
	case creditedKWh > 0:
		adjustments = l.unwind(creditedKWh)
	}
	l.net = convert.EightDecimals(after)
	l.persist(ctx)

	return creditedKWh, creditedValue, adjustments
}

// unwind pops kwh worth of contributions from the front of the queue. A
// partially used contribution stays at the front with its kwh reduced.
func (l *Ledger) unwind(kwh float64) []Adjustment {
	var adjustments []Adjustment
	index := make(map[string]int)

	remaining := kwh
	for remaining > epsilon && len(l.queue) > 0 {
		front := &l.queue[0]
		taken := math.Min(front.KWh, remaining)
		value := taken * front.TaxRate * front.VATFactor

		if i, ok := index[front.SensorID]; ok {
			adjustments[i].Value += value
		} else {
			index[front.SensorID] = len(adjustments)
			adjustments = append(adjustments, Adjustment{SensorID: front.SensorID, Value: value})
		}

		remaining -= taken
		front.KWh = convert.EightDecimals(front.KWh - taken)
		if front.KWh <= epsilon {
			l.queue = l.queue[1:]
		}
	}

	for i := range adjustments {
		adjustments[i].Value = convert.EightDecimals(adjustments[i].Value)
	}
	return adjustments
}

func (l *Ledger) NetConsumptionKWh() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.net
}

// Contributions returns a copy of the queue, oldest first.
func (l *Ledger) Contributions() []TaxContribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TaxContribution, len(l.queue))
	copy(out, l.queue)
	return out
}

// TaxBalance is the tax that would be refunded if all queued consumption
// were offset by production.
func (l *Ledger) TaxBalance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, c := range l.queue {
		total += c.TaxAmount()
	}
	return convert.EightDecimals(total)
}

// TaxBalancePerSensor reports the queued tax per registered sensor.
func (l *Ledger) TaxBalancePerSensor() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.registered))
	for id := range l.registered {
		out[id] = 0
	}
	for _, c := range l.queue {
		if _, ok := out[c.SensorID]; ok {
			out[c.SensorID] += c.TaxAmount()
		}
	}
	for id, v := range out {
		out[id] = convert.EightDecimals(v)
	}
	return out
}

func (l *Ledger) ResetAll(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.net = 0
	l.queue = nil
	l.persist(ctx)
}

// SetNetConsumption overwrites the balance. A positive balance becomes a
// single contribution at the current rate.
func (l *Ledger) SetNetConsumption(ctx context.Context, kwh float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.net = convert.EightDecimals(kwh)
	l.queue = nil
	if l.net > 0 {
		l.queue = []TaxContribution{{
			KWh:       l.net,
			TaxRate:   l.settings.TaxRate,
			VATFactor: l.settings.VATFactor,
		}}
	}
	l.persist(ctx)
}

func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *Ledger) snapshot() State {
	s := State{
		NetConsumptionKWh: convert.EightDecimals(l.net),
		TaxContributions:  make([]TaxContribution, 0, len(l.queue)),
	}
	for _, c := range l.queue {
		s.TaxContributions = append(s.TaxContributions, TaxContribution{
			SensorID:  c.SensorID,
			KWh:       convert.EightDecimals(c.KWh),
			TaxRate:   convert.EightDecimals(c.TaxRate),
			VATFactor: convert.EightDecimals(c.VATFactor),
		})
	}
	return s
}

// persist must be called with the lock held. A failed write is logged and
// the in-memory state stays authoritative.
func (l *Ledger) persist(ctx context.Context) {
	data, err := json.Marshal(l.snapshot())
	if err != nil {
		l.logger.Warn("failed to encode netting state", slog.Any("error", err))
		return
	}
	rec := types.StateRecord{Key: l.key, Version: StateVersion, Data: data}
	if err := l.store.SaveState(ctx, rec); err != nil {
		l.logger.Warn("failed to save netting state", slog.String("key", l.key), slog.Any("error", err))
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
