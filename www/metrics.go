package www

import (
	"github.com/icodeforyou/energycontract-go/coordinator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricPrefix = "energycontract_"

// MeterSource is what the collector reads on every scrape.
type MeterSource interface {
	Snapshot() []coordinator.MeterState
	Diagnostics() coordinator.Diagnostics
}

// ledgerCollector exposes the current metric values and ledger balances.
// Values are read at scrape time so nothing is duplicated.
type ledgerCollector struct {
	source MeterSource

	meterValue     *prometheus.Desc
	meterAvailable *prometheus.Desc
	nettingNet     *prometheus.Desc
	nettingTax     *prometheus.Desc
	overageNet     *prometheus.Desc
	overagePending *prometheus.Desc
	solarYear      *prometheus.Desc
	solarBonus     *prometheus.Desc
	fault          *prometheus.Desc
}

func newLedgerCollector(source MeterSource) *ledgerCollector {
	return &ledgerCollector{
		source: source,
		meterValue: prometheus.NewDesc(metricPrefix+"meter_value",
			"Accumulated value of a metric in EUR, kWh or m³",
			[]string{"id", "entity", "kind", "mode"}, nil),
		meterAvailable: prometheus.NewDesc(metricPrefix+"meter_available",
			"1 when the metric is available",
			[]string{"id"}, nil),
		nettingNet: prometheus.NewDesc(metricPrefix+"netting_net_consumption_kwh",
			"Net consumption balance of the netting ledger", nil, nil),
		nettingTax: prometheus.NewDesc(metricPrefix+"netting_tax_balance_euro",
			"Energy tax paid that may still be refunded", nil, nil),
		overageNet: prometheus.NewDesc(metricPrefix+"overage_net_consumption_kwh",
			"Net consumption balance of the overage ledger", nil, nil),
		overagePending: prometheus.NewDesc(metricPrefix+"overage_pending_euro",
			"Overage compensation waiting for consumption", nil, nil),
		solarYear: prometheus.NewDesc(metricPrefix+"solar_bonus_year_production_kwh",
			"Production counted in the current contract year", nil, nil),
		solarBonus: prometheus.NewDesc(metricPrefix+"solar_bonus_total_euro",
			"Solar bonus credited in the current contract year", nil, nil),
		fault: prometheus.NewDesc(metricPrefix+"fault_active",
			"1 for every input that has been unavailable longer than the grace period",
			[]string{"id"}, nil),
	}
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.meterValue
	ch <- c.meterAvailable
	ch <- c.nettingNet
	ch <- c.nettingTax
	ch <- c.overageNet
	ch <- c.overagePending
	ch <- c.solarYear
	ch <- c.solarBonus
	ch <- c.fault
}

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.source.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.meterValue, prometheus.GaugeValue, m.Value,
			m.ID, m.Entity, m.Kind.String(), m.Mode.String())
		ch <- prometheus.MustNewConstMetric(c.meterAvailable, prometheus.GaugeValue, boolToFloat(m.Available), m.ID)
	}

	d := c.source.Diagnostics()
	if d.Netting != nil {
		ch <- prometheus.MustNewConstMetric(c.nettingNet, prometheus.GaugeValue, d.Netting.NetConsumptionKWh)
		ch <- prometheus.MustNewConstMetric(c.nettingTax, prometheus.GaugeValue, d.Netting.TaxBalance)
	}
	if d.Overage != nil {
		ch <- prometheus.MustNewConstMetric(c.overageNet, prometheus.GaugeValue, d.Overage.NetConsumptionKWh)
		ch <- prometheus.MustNewConstMetric(c.overagePending, prometheus.GaugeValue, d.Overage.PendingValue)
	}
	if d.SolarBonus != nil {
		ch <- prometheus.MustNewConstMetric(c.solarYear, prometheus.GaugeValue, d.SolarBonus.YearProductionKWh)
		ch <- prometheus.MustNewConstMetric(c.solarBonus, prometheus.GaugeValue, d.SolarBonus.TotalBonusEuro)
	}
	for _, id := range d.ActiveFaults {
		ch <- prometheus.MustNewConstMetric(c.fault, prometheus.GaugeValue, 1, id)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type serverMetrics struct {
	registry      *prometheus.Registry
	adminRequests *prometheus.CounterVec
}

func newServerMetrics(source MeterSource, hub *Hub) *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		adminRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "admin_requests_total",
				Help: "Total admin requests by action and result",
			},
			[]string{"action", "result"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newLedgerCollector(source),
		m.adminRequests,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "websocket_clients",
				Help: "Connected web socket clients",
			},
			func() float64 { return float64(hub.Clients()) },
		),
	)
	return m
}
