package types

import (
	"fmt"
	"strings"
)

// SourceKind is the role a metered entity plays in the contract.
type SourceKind string

const (
	SourceConsumption SourceKind = "consumption"
	SourceProduction  SourceKind = "production"
	SourceGas         SourceKind = "gas"
)

func (k SourceKind) String() string {
	return string(k)
}

func (k SourceKind) IsElectricity() bool {
	return k == SourceConsumption || k == SourceProduction
}

func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "consumption", "electricity consumption":
		return SourceConsumption, nil
	case "production", "electricity production":
		return SourceProduction, nil
	case "gas", "gas consumption":
		return SourceGas, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Mode is an output metric accumulated per source.
type Mode string

const (
	ModeKWhTotal             Mode = "kwh_total"
	ModeM3Total              Mode = "m3_total"
	ModeCostTotal            Mode = "cost_total"
	ModeProfitTotal          Mode = "profit_total"
	ModeKWhDuringCostTotal   Mode = "kwh_during_cost_total"
	ModeKWhDuringProfitTotal Mode = "kwh_during_profit_total"
)

func (m Mode) String() string {
	return string(m)
}

// IsVolume reports whether the mode accumulates the raw delta without pricing.
func (m Mode) IsVolume() bool {
	return m == ModeKWhTotal || m == ModeM3Total
}

// ModesFor lists the metrics created for a source of the given kind.
// Price dependent modes are left out when withPrice is false.
func ModesFor(kind SourceKind, withPrice bool) []Mode {
	var modes []Mode
	if kind == SourceGas {
		modes = []Mode{ModeM3Total}
		if withPrice {
			modes = append(modes, ModeCostTotal, ModeProfitTotal)
		}
		return modes
	}
	modes = []Mode{ModeKWhTotal}
	if withPrice {
		modes = append(modes, ModeCostTotal, ModeProfitTotal, ModeKWhDuringCostTotal, ModeKWhDuringProfitTotal)
	}
	return modes
}
