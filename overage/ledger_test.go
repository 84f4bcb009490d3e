package overage

import (
	"math"
	"testing"

	"github.com/icodeforyou/energycontract-go/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func newLedger(t *testing.T, store types.StateStore) *Ledger {
	t.Helper()
	l, err := New(t.Context(), store, DefaultKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return l
}

func TestRecordProductionSplit(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore())
	l.RecordConsumption(t.Context(), 3.0)

	r := l.RecordProduction(t.Context(), "solar", 5.0, 0.15, 0.05)

	checks := []struct {
		name      string
		got, want float64
	}{
		{"compensated kwh", r.CompensatedKWh, 3.0},
		{"compensated value", r.CompensatedValue, 0.45},
		{"overage kwh", r.OverageKWh, 2.0},
		{"overage value", r.OverageValue, 0.10},
		{"net", l.NetConsumptionKWh(), -2.0},
		{"pending", l.PendingValue(), 0.2},
	}
	for _, c := range checks {
		if !almostEqual(c.got, c.want) {
			t.Errorf("got %s %f, wanted %f", c.name, c.got, c.want)
		}
	}
}

func TestRecordProductionAllOverage(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore())

	r := l.RecordProduction(t.Context(), "solar", 3.0, 0.15, 0.05)
	if r.CompensatedKWh != 0 || !almostEqual(r.OverageKWh, 3.0) || !almostEqual(r.OverageValue, 0.15) {
		t.Errorf("got %+v, wanted 3 kwh of overage worth 0.15", r)
	}
}

func TestNoPendingWhenOverageRateIsHigher(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore())
	l.RecordProduction(t.Context(), "solar", 3.0, 0.04, 0.05)
	if n := len(l.Snapshot().PendingQueue); n != 0 {
		t.Errorf("got %d pending, wanted 0", n)
	}
}

func TestRecordConsumptionRecovers(t *testing.T) {
	store := types.NewMemoryStateStore()
	l := newLedger(t, store)
	l.RecordProduction(t.Context(), "sensor_uid", 3.0, 0.15, 0.05)
	l.RecordConsumption(t.Context(), 1.0)

	snap := l.Snapshot()
	if snap.NetConsumptionKWh != -2.0 {
		t.Fatalf("got net %f, wanted -2", snap.NetConsumptionKWh)
	}

	adjustments := l.RecordConsumption(t.Context(), 5.0)
	if len(adjustments) != 1 {
		t.Fatalf("got %d adjustments, wanted 1", len(adjustments))
	}
	if adjustments[0].SensorID != "sensor_uid" || !almostEqual(adjustments[0].Value, 0.2) {
		t.Errorf("got %+v, wanted sensor_uid 0.2", adjustments[0])
	}
	if got := l.NetConsumptionKWh(); !almostEqual(got, 3.0) {
		t.Errorf("got net %f, wanted 3", got)
	}
}

func TestRecordConsumptionPartialRecovery(t *testing.T) {
	store := types.NewMemoryStateStore()
	data := `{"net_consumption_kwh": -5, "pending_queue": [{"sensor_id": "sensor_uid", "kwh": 10, "unit_price_diff": 0.1}]}`
	store.SaveState(t.Context(), types.StateRecord{Key: DefaultKey, Version: StateVersion, Data: []byte(data)})
	l := newLedger(t, store)

	adjustments := l.RecordConsumption(t.Context(), 3.0)
	if len(adjustments) != 1 || !almostEqual(adjustments[0].Value, 0.3) {
		t.Fatalf("got %+v, wanted one adjustment of 0.3", adjustments)
	}
	snap := l.Snapshot()
	if len(snap.PendingQueue) != 1 || !almostEqual(snap.PendingQueue[0].KWh, 7.0) {
		t.Errorf("got queue %+v, wanted 7 kwh left", snap.PendingQueue)
	}
	if !almostEqual(snap.NetConsumptionKWh, -2.0) {
		t.Errorf("got net %f, wanted -2", snap.NetConsumptionKWh)
	}
	if !almostEqual(snap.TotalConsumptionKWh, 3.0) {
		t.Errorf("got total consumption %f, wanted 3", snap.TotalConsumptionKWh)
	}
}

func TestFIFOAcrossSensors(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore())
	l.RecordProduction(t.Context(), "roof", 1.0, 0.20, 0.05)
	l.RecordProduction(t.Context(), "shed", 1.0, 0.10, 0.05)

	adjustments := l.RecordConsumption(t.Context(), 1.5)
	if len(adjustments) != 2 {
		t.Fatalf("got %d adjustments, wanted 2", len(adjustments))
	}
	if adjustments[0].SensorID != "roof" || !almostEqual(adjustments[0].Value, 0.15) {
		t.Errorf("got %+v, wanted roof 0.15", adjustments[0])
	}
	if adjustments[1].SensorID != "shed" || !almostEqual(adjustments[1].Value, 0.025) {
		t.Errorf("got %+v, wanted shed 0.025", adjustments[1])
	}
}

func TestResetAllIdempotent(t *testing.T) {
	store := types.NewMemoryStateStore()
	l := newLedger(t, store)
	l.RecordProduction(t.Context(), "solar", 3.0, 0.15, 0.05)

	l.ResetAll(t.Context())
	first := l.Snapshot()
	l.ResetAll(t.Context())
	second := l.Snapshot()
	if first.NetConsumptionKWh != second.NetConsumptionKWh || len(first.PendingQueue) != len(second.PendingQueue) {
		t.Errorf("got %+v, wanted %+v", second, first)
	}
	if len(second.PendingQueue) != 0 || second.TotalProductionKWh != 0 {
		t.Errorf("ledger not empty after reset: %+v", second)
	}
}

func TestRoundTrip(t *testing.T) {
	store := types.NewMemoryStateStore()
	l := newLedger(t, store)
	l.RecordConsumption(t.Context(), 1.25)
	l.RecordProduction(t.Context(), "solar", 4.5, 0.21, 0.04)

	restored := newLedger(t, store)
	a, b := l.Snapshot(), restored.Snapshot()
	if a.NetConsumptionKWh != b.NetConsumptionKWh || a.TotalConsumptionKWh != b.TotalConsumptionKWh ||
		a.TotalProductionKWh != b.TotalProductionKWh {
		t.Errorf("got %+v, wanted %+v", b, a)
	}
	if len(a.PendingQueue) != len(b.PendingQueue) || a.PendingQueue[0] != b.PendingQueue[0] {
		t.Errorf("got queue %+v, wanted %+v", b.PendingQueue, a.PendingQueue)
	}
}
