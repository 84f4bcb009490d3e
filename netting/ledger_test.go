package netting

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/icodeforyou/energycontract-go/types"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func newLedger(t *testing.T, store types.StateStore, s Settings) *Ledger {
	t.Helper()
	l, err := New(t.Context(), store, DefaultKey, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return l
}

func queuedKWh(l *Ledger) float64 {
	total := 0.0
	for _, c := range l.Contributions() {
		total += c.KWh
	}
	return total
}

func TestRecordConsumptionFromDeficit(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore(), Settings{TaxRate: 0.10, VATFactor: 1.0})
	l.SetNetConsumption(t.Context(), -3.0)

	kwh, value := l.RecordConsumption(t.Context(), "sensor_uid", 5.0, 0.10)
	if !almostEqual(kwh, 2.0) {
		t.Errorf("got taxable kwh %f, wanted %f", kwh, 2.0)
	}
	if !almostEqual(value, 0.2) {
		t.Errorf("got taxable value %f, wanted %f", value, 0.2)
	}
	if got := l.NetConsumptionKWh(); !almostEqual(got, 2.0) {
		t.Errorf("got net %f, wanted %f", got, 2.0)
	}
	if got := queuedKWh(l); !almostEqual(got, 2.0) {
		t.Errorf("got queued %f, wanted %f", got, 2.0)
	}
}

func TestRecordConsumptionNoOp(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore(), Settings{TaxRate: 0.10, VATFactor: 1.21})

	tests := []struct {
		name  string
		delta float64
		price float64
	}{
		{"zero delta", 0, 0.1},
		{"negative delta", -1, 0.1},
		{"zero price", 1, 0},
		{"negative price", 1, -0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kwh, value := l.RecordConsumption(t.Context(), "a", tt.delta, tt.price)
			if kwh != 0 || value != 0 {
				t.Errorf("got (%f, %f), wanted zeros", kwh, value)
			}
			if l.NetConsumptionKWh() != 0 {
				t.Errorf("got net %f, wanted 0", l.NetConsumptionKWh())
			}
		})
	}
}

func TestRecordProductionFullCredit(t *testing.T) {
	store := types.NewMemoryStateStore()
	l := newLedger(t, store, Settings{TaxRate: 0.10, VATFactor: 1.0})
	l.RecordConsumption(t.Context(), "sensor_uid", 3.0, 0.10)

	kwh, value, adjustments := l.RecordProduction(t.Context(), 5.0, 0.10)
	if !almostEqual(kwh, 3.0) {
		t.Errorf("got credited kwh %f, wanted %f", kwh, 3.0)
	}
	if !almostEqual(value, 0.3) {
		t.Errorf("got credited value %f, wanted %f", value, 0.3)
	}
	if len(adjustments) != 1 {
		t.Fatalf("got %d adjustments, wanted 1", len(adjustments))
	}
	if adjustments[0].SensorID != "sensor_uid" || !almostEqual(adjustments[0].Value, 0.3) {
		t.Errorf("got adjustment %+v, wanted sensor_uid 0.3", adjustments[0])
	}
	if n := len(l.Contributions()); n != 0 {
		t.Errorf("got %d contributions, wanted 0", n)
	}
	if got := l.NetConsumptionKWh(); !almostEqual(got, -2.0) {
		t.Errorf("got net %f, wanted %f", got, -2.0)
	}
}

func TestRecordProductionFIFO(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore(), Settings{TaxRate: 0.10, VATFactor: 1.0})
	l.RecordConsumption(t.Context(), "a", 2.0, 0.10)
	l.UpdateSettings(Settings{TaxRate: 0.20, VATFactor: 1.0})
	l.RecordConsumption(t.Context(), "b", 2.0, 0.20)

	_, _, adjustments := l.RecordProduction(t.Context(), 3.0, 0.20)
	if len(adjustments) != 2 {
		t.Fatalf("got %d adjustments, wanted 2", len(adjustments))
	}
	if adjustments[0].SensorID != "a" || !almostEqual(adjustments[0].Value, 0.2) {
		t.Errorf("got first adjustment %+v, wanted a 0.2", adjustments[0])
	}
	if adjustments[1].SensorID != "b" || !almostEqual(adjustments[1].Value, 0.2) {
		t.Errorf("got second adjustment %+v, wanted b 0.2", adjustments[1])
	}

	queue := l.Contributions()
	if len(queue) != 1 {
		t.Fatalf("got %d contributions, wanted 1", len(queue))
	}
	if queue[0].SensorID != "b" || !almostEqual(queue[0].KWh, 1.0) || !almostEqual(queue[0].TaxRate, 0.20) {
		t.Errorf("got front %+v, wanted b with 1 kwh at 0.20", queue[0])
	}
}

func TestRecordProductionBelowZeroCreditsNothing(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore(), Settings{TaxRate: 0.10, VATFactor: 1.0})
	l.SetNetConsumption(t.Context(), -1.0)

	kwh, value, adjustments := l.RecordProduction(t.Context(), 2.0, 0.10)
	if kwh != 0 || value != 0 || len(adjustments) != 0 {
		t.Errorf("got (%f, %f, %v), wanted nothing credited", kwh, value, adjustments)
	}
	if got := l.NetConsumptionKWh(); !almostEqual(got, -3.0) {
		t.Errorf("got net %f, wanted %f", got, -3.0)
	}
}

func TestConservation(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore(), Settings{TaxRate: 0.1088, VATFactor: 1.21})
	r := rand.New(rand.NewSource(42))

	for i := range 2000 {
		delta := r.Float64() * 3
		if r.Intn(2) == 0 {
			l.RecordConsumption(t.Context(), "a", delta, 0.13)
		} else {
			l.RecordProduction(t.Context(), delta, 0.13)
		}
		want := math.Max(l.NetConsumptionKWh(), 0)
		if got := queuedKWh(l); !almostEqual(got, want) {
			t.Fatalf("step %d: got queued %f, wanted %f", i, got, want)
		}
	}
}

func TestResetAllIdempotent(t *testing.T) {
	store := types.NewMemoryStateStore()
	l := newLedger(t, store, Settings{TaxRate: 0.10, VATFactor: 1.21})
	l.RecordConsumption(t.Context(), "a", 4.0, 0.12)

	l.ResetAll(t.Context())
	first, _, _ := store.LoadState(t.Context(), DefaultKey)
	l.ResetAll(t.Context())
	second, _, _ := store.LoadState(t.Context(), DefaultKey)

	if string(first.Data) != string(second.Data) {
		t.Errorf("got %s, wanted %s", second.Data, first.Data)
	}
	if l.NetConsumptionKWh() != 0 || len(l.Contributions()) != 0 {
		t.Errorf("ledger not empty after reset")
	}
}

func TestSetNetConsumption(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore(), Settings{TaxRate: 0.10, VATFactor: 1.21})
	l.RecordConsumption(t.Context(), "a", 1.0, 0.12)

	l.SetNetConsumption(t.Context(), 7.5)
	queue := l.Contributions()
	if len(queue) != 1 || !almostEqual(queue[0].KWh, 7.5) || !almostEqual(queue[0].VATFactor, 1.21) {
		t.Errorf("got %+v, wanted one contribution of 7.5 kwh", queue)
	}

	l.SetNetConsumption(t.Context(), -2)
	if n := len(l.Contributions()); n != 0 {
		t.Errorf("got %d contributions, wanted 0", n)
	}
	if got := l.NetConsumptionKWh(); got != -2 {
		t.Errorf("got net %f, wanted -2", got)
	}
}

func TestRoundTrip(t *testing.T) {
	store := types.NewMemoryStateStore()
	l := newLedger(t, store, Settings{TaxRate: 0.1088, VATFactor: 1.21})
	l.RecordConsumption(t.Context(), "a", 1.123456789, 0.13)
	l.RecordConsumption(t.Context(), "b", 2.5, 0.13)
	l.RecordProduction(t.Context(), 0.5, 0.13)

	restored := newLedger(t, store, Settings{TaxRate: 0.5, VATFactor: 1})
	if got, want := restored.NetConsumptionKWh(), l.NetConsumptionKWh(); got != want {
		t.Errorf("got net %f, wanted %f", got, want)
	}
	a, b := l.Contributions(), restored.Contributions()
	if len(a) != len(b) {
		t.Fatalf("got %d contributions, wanted %d", len(b), len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("got %+v, wanted %+v at position %d", b[i], a[i], i)
		}
	}
}

func TestRestoreDropsMalformed(t *testing.T) {
	store := types.NewMemoryStateStore()
	data := `{"net_consumption_kwh": 3, "tax_contributions": [
		{"kwh": 1, "tax_rate": 0.1, "vat_factor": 1.21},
		{"kwh": 0, "tax_rate": 0.1, "vat_factor": 1.21},
		{"kwh": -1, "tax_rate": 0.1, "vat_factor": 1.21},
		{"kwh": 2, "tax_rate": 0.1}
	]}`
	store.SaveState(t.Context(), types.StateRecord{Key: DefaultKey, Version: StateVersion, Data: []byte(data)})

	l := newLedger(t, store, Settings{TaxRate: 0.2, VATFactor: 1})
	got := l.Contributions()
	if len(got) != 2 {
		t.Fatalf("got %d contributions, wanted 2", len(got))
	}
	if got[0].KWh != 1 || got[0].TaxRate != 0.1 {
		t.Errorf("got %+v, wanted the valid stored contribution first", got[0])
	}
	if got[1].KWh != 2 || got[1].TaxRate != 0.2 {
		t.Errorf("got %+v, wanted 2 kWh at the current rate", got[1])
	}
	if got := l.NetConsumptionKWh(); got != 3 {
		t.Errorf("got net %f, wanted 3", got)
	}
}

func TestRestoreNetOnlyFillsQueue(t *testing.T) {
	store := types.NewMemoryStateStore()
	data := `{"net_consumption_kwh": 5.0}`
	store.SaveState(t.Context(), types.StateRecord{Key: DefaultKey, Version: StateVersion, Data: []byte(data)})

	l := newLedger(t, store, Settings{TaxRate: 0.1, VATFactor: 1.21})
	if got := queuedKWh(l); !almostEqual(got, 5) {
		t.Errorf("got %f queued kWh, wanted 5", got)
	}

	_, _, adjustments := l.RecordProduction(t.Context(), 5, 0.1)
	refund := 0.0
	for _, a := range adjustments {
		refund += a.Value
	}
	if want := 5 * 0.1 * 1.21; !almostEqual(refund, want) {
		t.Errorf("got refund %f, wanted %f", refund, want)
	}
	if got := l.NetConsumptionKWh(); got != 0 {
		t.Errorf("got net %f, wanted 0", got)
	}

	// The filled queue was written back.
	again := newLedger(t, store, Settings{TaxRate: 0.1, VATFactor: 1.21})
	if n := len(again.Contributions()); n != 0 {
		t.Errorf("got %d contributions after reload, wanted 0", n)
	}
}

func TestRestoreTrimsExcessFromNewest(t *testing.T) {
	store := types.NewMemoryStateStore()
	data := `{"net_consumption_kwh": 2.5, "tax_contributions": [
		{"sensor_id": "a", "kwh": 2, "tax_rate": 0.1, "vat_factor": 1},
		{"sensor_id": "b", "kwh": 1, "tax_rate": 0.2, "vat_factor": 1},
		{"sensor_id": "c", "kwh": 1, "tax_rate": 0.3, "vat_factor": 1}
	]}`
	store.SaveState(t.Context(), types.StateRecord{Key: DefaultKey, Version: StateVersion, Data: []byte(data)})

	l := newLedger(t, store, Settings{TaxRate: 0.1, VATFactor: 1})
	got := l.Contributions()
	if len(got) != 2 {
		t.Fatalf("got %d contributions, wanted 2", len(got))
	}
	if got[0].SensorID != "a" || got[0].KWh != 2 {
		t.Errorf("got %+v, wanted sensor a with 2 kWh", got[0])
	}
	if got[1].SensorID != "b" || !almostEqual(got[1].KWh, 0.5) {
		t.Errorf("got %+v, wanted sensor b with 0.5 kWh", got[1])
	}
}

func TestRestoreNegativeBalanceEmptiesQueue(t *testing.T) {
	store := types.NewMemoryStateStore()
	data := `{"net_consumption_kwh": -4, "tax_contributions": [
		{"kwh": 1, "tax_rate": 0.1, "vat_factor": 1}
	]}`
	store.SaveState(t.Context(), types.StateRecord{Key: DefaultKey, Version: StateVersion, Data: []byte(data)})

	l := newLedger(t, store, Settings{TaxRate: 0.1, VATFactor: 1})
	if n := len(l.Contributions()); n != 0 {
		t.Errorf("got %d contributions, wanted 0", n)
	}
	if got := l.NetConsumptionKWh(); got != -4 {
		t.Errorf("got net %f, wanted -4", got)
	}
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	store := types.NewMemoryStateStore()
	store.Err = errors.New("disk full")
	l := newLedger(t, store, Settings{TaxRate: 0.1, VATFactor: 1})

	l.RecordConsumption(t.Context(), "a", 2, 0.1)
	if got := l.NetConsumptionKWh(); got != 2 {
		t.Errorf("got net %f, wanted 2", got)
	}
	if store.Len() != 0 {
		t.Errorf("got %d stored records, wanted 0", store.Len())
	}
}

func TestTaxBalancePerSensor(t *testing.T) {
	l := newLedger(t, types.NewMemoryStateStore(), Settings{TaxRate: 0.1, VATFactor: 1})
	releaseA := l.Register("a")
	releaseB := l.Register("b")
	l.RecordConsumption(t.Context(), "a", 2, 0.1)

	balances := l.TaxBalancePerSensor()
	if !almostEqual(balances["a"], 0.2) {
		t.Errorf("got a %f, wanted 0.2", balances["a"])
	}
	if v, ok := balances["b"]; !ok || v != 0 {
		t.Errorf("got b %f (%v), wanted 0", v, ok)
	}

	releaseB()
	releaseB()
	if _, ok := l.TaxBalancePerSensor()["b"]; ok {
		t.Errorf("released sensor still reported")
	}
	releaseA()
	if !almostEqual(l.TaxBalance(), 0.2) {
		t.Errorf("got total %f, wanted 0.2", l.TaxBalance())
	}
}
