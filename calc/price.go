package calc

import (
	"errors"
	"fmt"
	"time"

	"github.com/icodeforyou/energycontract-go/convert"
	"github.com/icodeforyou/energycontract-go/types"
)

var ErrUnknownSourceKind = errors.New("unknown source kind")

// Settings holds the rate components of an energy contract. Prices are per
// kWh (electricity) or m³ (gas) excluding VAT unless stated otherwise.
type Settings struct {
	ElectricityMarkup           float64 `json:"electricity_markup"`
	ElectricityProductionMarkup float64 `json:"electricity_production_markup"`
	ElectricityTax              float64 `json:"electricity_tax"`
	GasMarkup                   float64 `json:"gas_markup"`
	GasTax                      float64 `json:"gas_tax"`

	ElectricityConnectionFeePerDay  float64 `json:"electricity_connection_fee_per_day"`
	ElectricityStandingChargePerDay float64 `json:"electricity_standing_charge_per_day"`
	ElectricityTaxRebatePerDay      float64 `json:"electricity_tax_rebate_per_day"`
	GasConnectionFeePerDay          float64 `json:"gas_connection_fee_per_day"`
	GasStandingChargePerDay         float64 `json:"gas_standing_charge_per_day"`

	VATPercentage             float64 `json:"vat_percentage"`
	ProductionPriceIncludeVAT bool    `json:"production_price_include_vat"`

	NettingEnabled bool `json:"netting_enabled"`

	OverageCompensationEnabled bool    `json:"overage_compensation_enabled"`
	OverageCompensationRate    float64 `json:"overage_compensation_rate"` // Paid per kWh produced beyond break-even

	SolarBonusEnabled        bool    `json:"solar_bonus_enabled"`
	SolarBonusPercentage     float64 `json:"solar_bonus_percentage"`
	SolarBonusAnnualLimitKWh float64 `json:"solar_bonus_annual_limit_kwh"`

	ContractStartDate *time.Time `json:"contract_start_date"`
}

func VATFactor(s Settings) float64 {
	return 1 + s.VATPercentage/100
}

func markup(s Settings, kind types.SourceKind) float64 {
	switch kind {
	case types.SourceGas:
		return s.GasMarkup
	case types.SourceProduction:
		return s.ElectricityProductionMarkup
	default:
		return s.ElectricityMarkup
	}
}

func tax(s Settings, kind types.SourceKind) float64 {
	if kind == types.SourceGas {
		return s.GasTax
	}
	return s.ElectricityTax
}

// SumPrices adds up the readings of all price entities of a tariff block.
func SumPrices(prices []float64) float64 {
	total := 0.0
	for _, p := range prices {
		total += p
	}
	return total
}

// UnitPrice is the price per unit the customer pays (consumption, gas) or
// receives (production) at the given spot price.
func UnitPrice(spot float64, s Settings, kind types.SourceKind) (float64, error) {
	switch kind {
	case types.SourceConsumption, types.SourceGas:
		return (spot + markup(s, kind) + tax(s, kind)) * VATFactor(s), nil
	case types.SourceProduction:
		if s.ProductionPriceIncludeVAT {
			return (spot - s.ElectricityProductionMarkup) * VATFactor(s), nil
		}
		return spot - s.ElectricityProductionMarkup, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSourceKind, kind)
}

// BaseUnitPrice is the consumption price without the government tax part.
func BaseUnitPrice(spot float64, s Settings, kind types.SourceKind) float64 {
	return (spot + markup(s, kind)) * VATFactor(s)
}

// TaxUnitPrice is the government tax per unit including VAT.
func TaxUnitPrice(s Settings, kind types.SourceKind) float64 {
	return tax(s, kind) * VATFactor(s)
}

// OverageUnitPrice is the price paid for production beyond break-even.
func OverageUnitPrice(s Settings) float64 {
	return s.OverageCompensationRate
}

// Compute returns the unit price and the raw monetary value of delta units.
// Multiple spot price readings are summed before markup and tax are applied.
func Compute(delta float64, spotPrices []float64, s Settings, kind types.SourceKind) (unitPrice, rawValue float64, err error) {
	unitPrice, err = UnitPrice(SumPrices(spotPrices), s, kind)
	if err != nil {
		return 0, 0, err
	}
	return unitPrice, delta * unitPrice, nil
}

// Classify routes a priced delta to a metric. Consumption and gas with a
// non-negative value are a cost, a negative value is a profit. Production is
// the other way around. Cost and profit receive the monetary amount, the
// volume modes receive delta. The amount booked for the matching side is
// adjusted, the sign test uses rawValue.
func Classify(kind types.SourceKind, mode types.Mode, delta, rawValue, adjusted float64) (float64, bool) {
	var costSide bool
	switch kind {
	case types.SourceConsumption, types.SourceGas:
		costSide = rawValue >= 0
	case types.SourceProduction:
		costSide = rawValue < 0
	default:
		return 0, false
	}

	amount := adjusted
	if kind == types.SourceProduction && costSide {
		amount = -adjusted
	} else if kind != types.SourceProduction && !costSide {
		amount = -adjusted
	}

	switch mode {
	case types.ModeCostTotal:
		if costSide {
			return amount, true
		}
	case types.ModeProfitTotal:
		if !costSide {
			return amount, true
		}
	case types.ModeKWhDuringCostTotal:
		if costSide {
			return delta, true
		}
	case types.ModeKWhDuringProfitTotal:
		if !costSide {
			return delta, true
		}
	}
	return 0, false
}

// DailyElectricityCost is the fixed electricity cost added every midnight.
func DailyElectricityCost(s Settings) float64 {
	subtotal := s.ElectricityConnectionFeePerDay + s.ElectricityStandingChargePerDay - s.ElectricityTaxRebatePerDay
	return convert.EightDecimals(subtotal * VATFactor(s))
}

// DailyGasCost is the fixed gas cost added every midnight.
func DailyGasCost(s Settings) float64 {
	subtotal := s.GasStandingChargePerDay + s.GasConnectionFeePerDay
	return convert.EightDecimals(subtotal * VATFactor(s))
}

// CurrentPrice is the unit price shown for the current spot price, rounded
// to 8 decimals.
func CurrentPrice(spotPrices []float64, s Settings, kind types.SourceKind) (float64, error) {
	p, err := UnitPrice(SumPrices(spotPrices), s, kind)
	if err != nil {
		return 0, err
	}
	return convert.EightDecimals(p), nil
}
