// Package overage tracks production that was paid at the reduced overage
// rate and tops it up to the normal rate once consumption catches up.
package overage

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
	DefaultKey   = "overage"
	epsilon      = 1e-9
)

// PendingCompensation is overage production still owed UnitPriceDiff per kWh.
type PendingCompensation struct {
	SensorID      string  `json:"sensor_id"`
	KWh           float64 `json:"kwh"`
	UnitPriceDiff float64 `json:"unit_price_diff"`
}

// Adjustment is compensation owed to a production meter.
type Adjustment struct {
	SensorID string  `json:"sensor_id"`
	Value    float64 `json:"value"`
}

type Result struct {
	CompensatedKWh   float64
	CompensatedValue float64
	OverageKWh       float64
	OverageValue     float64
}

func (r Result) Value() float64 {
	return convert.EightDecimals(r.CompensatedValue + r.OverageValue)
}

type State struct {
	NetConsumptionKWh   float64               `json:"net_consumption_kwh"`
	TotalConsumptionKWh float64               `json:"total_consumption_kwh"`
	TotalProductionKWh  float64               `json:"total_production_kwh"`
	PendingQueue        []PendingCompensation `json:"pending_queue"`
}

type Ledger struct {
	mu     sync.Mutex
	store  types.StateStore
	key    string
	state  State
	logger *slog.Logger
}

func New(ctx context.Context, store types.StateStore, key string) (*Ledger, error) {
	if key == "" {
		key = DefaultKey
	}
	l := &Ledger{
		store:  store,
		key:    key,
		logger: slog.Default().With("module", "overage"),
	}

	rec, found, err := store.LoadState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading overage state %q: %w", key, err)
	}
	if found {
		l.restore(rec)
	}
	return l, nil
}

func (l *Ledger) restore(rec types.StateRecord) {
	var s State
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		l.logger.Warn("discarding unreadable overage state", slog.Any("error", err))
		return
	}

	l.state.NetConsumptionKWh = finiteOrZero(s.NetConsumptionKWh)
	l.state.TotalConsumptionKWh = math.Max(finiteOrZero(s.TotalConsumptionKWh), 0)
	l.state.TotalProductionKWh = math.Max(finiteOrZero(s.TotalProductionKWh), 0)
	for _, p := range s.PendingQueue {
		if finiteOrZero(p.KWh) <= 0 || finiteOrZero(p.UnitPriceDiff) <= 0 {
			continue
		}
		l.state.PendingQueue = append(l.state.PendingQueue, p)
	}
}

// RecordConsumption adds consumption to the balance. Consumption that brings
// the balance back from overage releases pending compensation, oldest first.
func (l *Ledger) RecordConsumption(ctx context.Context, deltaKWh float64) []Adjustment {
	if deltaKWh <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var adjustments []Adjustment
	before := l.state.NetConsumptionKWh
	if before < 0 && len(l.state.PendingQueue) > 0 {
		adjustments = l.recover(math.Min(deltaKWh, -before))
	}

	l.state.NetConsumptionKWh = convert.EightDecimals(before + deltaKWh)
	l.state.TotalConsumptionKWh = convert.EightDecimals(l.state.TotalConsumptionKWh + deltaKWh)
	l.persist(ctx)

	return adjustments
}

func (l *Ledger) recover(kwh float64) []Adjustment {
	var adjustments []Adjustment
	index := make(map[string]int)

	remaining := kwh
	for remaining > epsilon && len(l.state.PendingQueue) > 0 {
		front := &l.state.PendingQueue[0]
		taken := math.Min(front.KWh, remaining)
		value := taken * front.UnitPriceDiff

		if i, ok := index[front.SensorID]; ok {
			adjustments[i].Value += value
		} else {
			index[front.SensorID] = len(adjustments)
			adjustments = append(adjustments, Adjustment{SensorID: front.SensorID, Value: value})
		}

		remaining -= taken
		front.KWh = convert.EightDecimals(front.KWh - taken)
		if front.KWh <= epsilon {
			l.state.PendingQueue = l.state.PendingQueue[1:]
		}
	}

	for i := range adjustments {
		adjustments[i].Value = convert.EightDecimals(adjustments[i].Value)
	}
	return adjustments
}

// RecordProduction splits production into the part that offsets consumption,
// paid at normalUnitPrice, and the overage beyond it, paid at
// overageUnitPrice. The price difference on the overage is queued for
// sensorID.
func (l *Ledger) RecordProduction(ctx context.Context, sensorID string, deltaKWh, normalUnitPrice, overageUnitPrice float64) Result {
	if deltaKWh <= 0 {
		return Result{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var r Result
	before := l.state.NetConsumptionKWh
	if before > 0 {
		r.CompensatedKWh = math.Min(deltaKWh, before)
	}
	r.OverageKWh = deltaKWh - r.CompensatedKWh

	r.CompensatedKWh = convert.EightDecimals(r.CompensatedKWh)
	r.OverageKWh = convert.EightDecimals(r.OverageKWh)
	r.CompensatedValue = convert.EightDecimals(r.CompensatedKWh * normalUnitPrice)
	r.OverageValue = convert.EightDecimals(r.OverageKWh * overageUnitPrice)

	if r.OverageKWh > 0 && normalUnitPrice > overageUnitPrice {
		l.state.PendingQueue = append(l.state.PendingQueue, PendingCompensation{
			SensorID:      sensorID,
			KWh:           r.OverageKWh,
			UnitPriceDiff: convert.EightDecimals(normalUnitPrice - overageUnitPrice),
		})
	}

	l.state.NetConsumptionKWh = convert.EightDecimals(before - deltaKWh)
	l.state.TotalProductionKWh = convert.EightDecimals(l.state.TotalProductionKWh + deltaKWh)
	l.persist(ctx)

	return r
}

func (l *Ledger) NetConsumptionKWh() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.NetConsumptionKWh
}

// PendingValue is the compensation still owed over the whole queue.
func (l *Ledger) PendingValue() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, p := range l.state.PendingQueue {
		total += p.KWh * p.UnitPriceDiff
	}
	return convert.EightDecimals(total)
}

func (l *Ledger) ResetAll(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = State{}
	l.persist(ctx)
}

func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *Ledger) snapshot() State {
	s := l.state
	s.PendingQueue = make([]PendingCompensation, len(l.state.PendingQueue))
	copy(s.PendingQueue, l.state.PendingQueue)
	return s
}

func (l *Ledger) persist(ctx context.Context) {
	data, err := json.Marshal(l.snapshot())
	if err != nil {
		l.logger.Warn("failed to encode overage state", slog.Any("error", err))
		return
	}
	rec := types.StateRecord{Key: l.key, Version: StateVersion, Data: data}
	if err := l.store.SaveState(ctx, rec); err != nil {
		l.logger.Warn("failed to save overage state", slog.String("key", l.key), slog.Any("error", err))
	}
}

func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
