package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/icodeforyou/energycontract-go/calc"
	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/reading"
	"github.com/icodeforyou/energycontract-go/types"
)

// ForecastDay names the price sensor attribute holding a day of spot prices.
type ForecastDay string

const (
	ForecastToday    ForecastDay = "raw_today"
	ForecastTomorrow ForecastDay = "raw_tomorrow"
)

var ForecastDays = []ForecastDay{ForecastToday, ForecastTomorrow}

// PricePoint is one forecast interval. Start and end are passed through as
// the price sensor reported them.
type PricePoint struct {
	Start string  `json:"start,omitempty"`
	End   string  `json:"end,omitempty"`
	Value float64 `json:"value"`
}

// PriceForecast carries the net unit prices of the forecast intervals. A day
// is nil when no price sensor reported it.
type PriceForecast struct {
	NetPricesToday    []PricePoint `json:"net_prices_today"`
	NetPricesTomorrow []PricePoint `json:"net_prices_tomorrow"`
}

type forecastEntry struct {
	start, end string
	value      float64
	valid      bool
}

// parseForecast reads a forecast attribute. Entries that are not objects are
// left out, entries without a numeric value are kept but marked invalid. The
// second return value is false when the payload is not a list.
func parseForecast(raw []byte) ([]forecastEntry, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	out := make([]forecastEntry, 0, len(items))
	for _, item := range items {
		var e struct {
			Start any `json:"start"`
			End   any `json:"end"`
			Value any `json:"value"`
		}
		if string(item) == "null" || json.Unmarshal(item, &e) != nil {
			continue
		}
		entry := forecastEntry{start: timestamp(e.Start), end: timestamp(e.End)}
		switch v := e.Value.(type) {
		case float64:
			entry.value, entry.valid = v, true
		case string:
			entry.value, entry.valid = reading.ParseState(v)
		}
		out = append(out, entry)
	}
	return out, true
}

func timestamp(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// sumForecasts adds the entries of several sensors index by index. The first
// sensor with a list provides the interval bounds.
func sumForecasts(lists [][]forecastEntry) []forecastEntry {
	var out []forecastEntry
	for i, list := range lists {
		if i == 0 {
			out = slices.Clone(list)
			continue
		}
		for idx, e := range list {
			if !e.valid {
				continue
			}
			switch {
			case idx >= len(out):
				out = append(out, e)
			case out[idx].valid:
				out[idx].value += e.value
			default:
				out[idx].value, out[idx].valid = e.value, true
			}
		}
	}
	return out
}

func netPrices(entries []forecastEntry, s calc.Settings, kind types.SourceKind) ([]PricePoint, error) {
	out := make([]PricePoint, 0, len(entries))
	for _, e := range entries {
		if !e.valid {
			continue
		}
		p, err := calc.UnitPrice(e.value, s, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, PricePoint{Start: e.start, End: e.end, Value: convert.EightDecimals(p)})
	}
	return out, nil
}

// UpdateForecast feeds a forecast attribute of a price sensor. A payload
// that is not a list removes the stored forecast for that day.
func (c *Coordinator) UpdateForecast(ctx context.Context, entityID string, day ForecastDay, raw []byte) {
	c.batch(ctx, func(b *batch) {
		if !slices.Contains(c.forecastEntities(), entityID) {
			c.logger.Debug("ignoring forecast of unknown entity", slog.String("entity", entityID))
			return
		}
		entries, ok := parseForecast(raw)
		days := c.forecasts[entityID]
		if days == nil {
			days = make(map[ForecastDay][]forecastEntry)
			c.forecasts[entityID] = days
		}
		if ok {
			days[day] = entries
		} else {
			delete(days, day)
			c.logger.Debug("price forecast is not a list", slog.String("entity", entityID), slog.String("day", string(day)))
		}
		c.netForecasts = nil
		b.aggregates = true
	})
}

// ForecastEntities lists the price sensors whose forecast attributes are read.
func (c *Coordinator) ForecastEntities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.forecastEntities()
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *Coordinator) forecastEntities() []string {
	out := slices.Clone(c.cfg.PriceSensors)
	return append(out, c.cfg.GasPriceSensors...)
}

// forecast returns the net forecast for a tariff block. Only sensors with a
// valid current price contribute. The result is cached until a price or a
// forecast changes. Must be called with the lock held.
func (c *Coordinator) forecast(block *priceBlock, kind types.SourceKind) *PriceForecast {
	if f, ok := c.netForecasts[kind]; ok {
		return f
	}

	var (
		result PriceForecast
		found  bool
	)
	for _, day := range ForecastDays {
		var lists [][]forecastEntry
		for _, e := range block.entities {
			if p, ok := c.prices[e]; !ok || !p.valid {
				continue
			}
			if list, ok := c.forecasts[e][day]; ok {
				lists = append(lists, list)
			}
		}
		if len(lists) == 0 {
			continue
		}
		points, err := netPrices(sumForecasts(lists), c.cfg.Settings, kind)
		if err != nil {
			c.logger.Warn("skipping price forecast", slog.String("day", string(day)), slog.Any("error", err))
			continue
		}
		found = true
		if day == ForecastToday {
			result.NetPricesToday = points
		} else {
			result.NetPricesTomorrow = points
		}
	}

	var f *PriceForecast
	if found {
		f = &result
	}
	if c.netForecasts == nil {
		c.netForecasts = make(map[types.SourceKind]*PriceForecast)
	}
	c.netForecasts[kind] = f
	return f
}
