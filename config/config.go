package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/icodeforyou/energycontract-go/calc"
	"github.com/icodeforyou/energycontract-go/coordinator"
	"github.com/icodeforyou/energycontract-go/hours"
	"github.com/icodeforyou/energycontract-go/logging"
	"github.com/icodeforyou/energycontract-go/types"
	"github.com/spf13/viper"
)

type AppConfigApi struct {
	Address string
	Port    int16
}

type AppConfigDatabase struct {
	Path string
	// How many days daily backup files should be stored before they gets deleted
	BackupRetentionDays *int `mapstructure:"backup_retention_days"`
}

func (d AppConfigDatabase) GetBackupRetentionDays() int {
	if d.BackupRetentionDays == nil {
		return 30
	}
	return *d.BackupRetentionDays
}

type AppConfigMqtt struct {
	Host     string
	Port     int16
	Username string
	Password string
	ClientId *string `mapstructure:"client_id"`
	// Topic prefix the host publishes entity states on, default: "homeassistant/statestream"
	StateTopicPrefix *string `mapstructure:"state_topic_prefix"`
	// Topic prefix metrics are published on, default: "energycontract"
	PublishPrefix *string `mapstructure:"publish_prefix"`
	// Entity reporting above_horizon/below_horizon, default: "sun.sun"
	SunEntity *string `mapstructure:"sun_entity"`
}

func (m AppConfigMqtt) GetClientId() string {
	if m.ClientId == nil {
		return "energy-contract"
	}
	return *m.ClientId
}

func (m AppConfigMqtt) GetStateTopicPrefix() string {
	if m.StateTopicPrefix == nil {
		return "homeassistant/statestream"
	}
	return strings.TrimSuffix(*m.StateTopicPrefix, "/")
}

func (m AppConfigMqtt) GetPublishPrefix() string {
	if m.PublishPrefix == nil {
		return "energycontract"
	}
	return strings.TrimSuffix(*m.PublishPrefix, "/")
}

func (m AppConfigMqtt) GetSunEntity() string {
	if m.SunEntity == nil {
		return "sun.sun"
	}
	return *m.SunEntity
}

// AppConfigTariff holds the contract rates in EUR per kWh or m³ excluding
// VAT, and EUR per day for the fixed costs.
type AppConfigTariff struct {
	ElectricityMarkup               float64 `mapstructure:"electricity_markup"`
	ElectricityProductionMarkup     float64 `mapstructure:"electricity_production_markup"`
	ElectricityTax                  float64 `mapstructure:"electricity_tax"`
	GasMarkup                       float64 `mapstructure:"gas_markup"`
	GasTax                          float64 `mapstructure:"gas_tax"`
	ElectricityConnectionFeePerDay  float64 `mapstructure:"electricity_connection_fee_per_day"`
	ElectricityStandingChargePerDay float64 `mapstructure:"electricity_standing_charge_per_day"`
	ElectricityTaxRebatePerDay      float64 `mapstructure:"electricity_tax_rebate_per_day"`
	GasConnectionFeePerDay          float64 `mapstructure:"gas_connection_fee_per_day"`
	GasStandingChargePerDay         float64 `mapstructure:"gas_standing_charge_per_day"`
	VatPercentage                   float64 `mapstructure:"vat_percentage"`
	ProductionPriceIncludeVat       bool    `mapstructure:"production_price_include_vat"`
	NettingEnabled                  bool    `mapstructure:"netting_enabled"`
	OverageCompensationEnabled      bool    `mapstructure:"overage_compensation_enabled"`
	OverageCompensationRate         float64 `mapstructure:"overage_compensation_rate"`
	SolarBonusEnabled               bool    `mapstructure:"solar_bonus_enabled"`
	SolarBonusPercentage            float64 `mapstructure:"solar_bonus_percentage"`
	SolarBonusAnnualLimitKwh        float64 `mapstructure:"solar_bonus_annual_limit_kwh"`
	// Contract start as YYYY-MM-DD, the solar bonus year starts on its anniversary
	ContractStartDate string `mapstructure:"contract_start_date"`
}

func (t AppConfigTariff) ToSettings() (calc.Settings, error) {
	s := calc.Settings{
		ElectricityMarkup:               t.ElectricityMarkup,
		ElectricityProductionMarkup:     t.ElectricityProductionMarkup,
		ElectricityTax:                  t.ElectricityTax,
		GasMarkup:                       t.GasMarkup,
		GasTax:                          t.GasTax,
		ElectricityConnectionFeePerDay:  t.ElectricityConnectionFeePerDay,
		ElectricityStandingChargePerDay: t.ElectricityStandingChargePerDay,
		ElectricityTaxRebatePerDay:      t.ElectricityTaxRebatePerDay,
		GasConnectionFeePerDay:          t.GasConnectionFeePerDay,
		GasStandingChargePerDay:         t.GasStandingChargePerDay,
		VATPercentage:                   t.VatPercentage,
		ProductionPriceIncludeVAT:       t.ProductionPriceIncludeVat,
		NettingEnabled:                  t.NettingEnabled,
		OverageCompensationEnabled:      t.OverageCompensationEnabled,
		OverageCompensationRate:         t.OverageCompensationRate,
		SolarBonusEnabled:               t.SolarBonusEnabled,
		SolarBonusPercentage:            t.SolarBonusPercentage,
		SolarBonusAnnualLimitKWh:        t.SolarBonusAnnualLimitKwh,
	}
	if t.ContractStartDate != "" {
		start, err := hours.ParseDate(t.ContractStartDate)
		if err != nil {
			return calc.Settings{}, fmt.Errorf("contract_start_date: %w", err)
		}
		s.ContractStartDate = &start
	}
	return s, nil
}

type AppConfigSource struct {
	Entity string `mapstructure:"entity"`
	// "consumption", "production" or "gas"
	Kind string `mapstructure:"kind"`
}

type AppConfigLocation struct {
	Latitude  *float64 `mapstructure:"latitude"`
	Longitude *float64 `mapstructure:"longitude"`
	// Timezone for midnight costs, contract years and the daylight fallback, default: "Europe/Amsterdam"
	Timezone *string `mapstructure:"timezone"`
}

func (l AppConfigLocation) GetTimezone() string {
	if l.Timezone == nil {
		return "Europe/Amsterdam"
	}
	return *l.Timezone
}

type AppConfigLogging struct {
	// Min log level for database : "DEBUG", "INFO", "WARN", "ERROR", default: "INFO"
	DbLevel *string `mapstructure:"db_level"`
	// Log attributes format: "TEXT", "JSON", default: "JSON"
	DbAttrsFormat *string `mapstructure:"db_attrs_format"`
	// Maximum number of log entries in the database, default: 10000
	DbMaxEntries *int `mapstructure:"db_max_entries"`
	// Min log level for database console: "DEBUG", "INFO", "WARN", "ERROR", default: "INFO"
	ConsoleLevel *string `mapstructure:"console_level"`
}

func (l AppConfigLogging) GetDbLevel() slog.Level {
	return logging.LevelFromString(l.DbLevel)
}

func (l AppConfigLogging) GetDbAttrsFormat() logging.LogAttrFormat {
	if l.DbAttrsFormat == nil {
		return logging.LogAttrFormatJSON
	}
	if strings.EqualFold(*l.DbAttrsFormat, "text") {
		return logging.LogAttrFormatText
	}
	return logging.LogAttrFormatJSON
}

func (l AppConfigLogging) GetDbMaxEntries() int {
	if l.DbMaxEntries == nil {
		return 10000
	}
	return *l.DbMaxEntries
}

func (l AppConfigLogging) GetConsoleLevel() slog.Level {
	return logging.LevelFromString(l.ConsoleLevel)
}

type AppConfig struct {
	Api             AppConfigApi
	Database        AppConfigDatabase
	Mqtt            AppConfigMqtt
	Tariff          AppConfigTariff   `mapstructure:"tariff"`
	Sources         []AppConfigSource `mapstructure:"sources"`
	PriceSensors    []string          `mapstructure:"price_sensors"`
	PriceSensorsGas []string          `mapstructure:"price_sensors_gas"`
	Location        AppConfigLocation `mapstructure:"location"`
	Logging         AppConfigLogging  `mapstructure:"logging"`

	// The file the configuration was read from
	Path string `mapstructure:"-"`
}

// ToCoordinator converts the configuration into what the coordinator is
// built from.
func (c *AppConfig) ToCoordinator() (coordinator.Config, error) {
	settings, err := c.Tariff.ToSettings()
	if err != nil {
		return coordinator.Config{}, err
	}

	cc := coordinator.Config{
		Settings:        settings,
		PriceSensors:    c.PriceSensors,
		GasPriceSensors: c.PriceSensorsGas,
		SunEntity:       c.Mqtt.GetSunEntity(),
		Latitude:        c.Location.Latitude,
		Longitude:       c.Location.Longitude,
	}
	for i, s := range c.Sources {
		if s.Entity == "" {
			return coordinator.Config{}, fmt.Errorf("source %d has no entity", i)
		}
		kind, err := types.ParseSourceKind(s.Kind)
		if err != nil {
			return coordinator.Config{}, fmt.Errorf("source %s: %w", s.Entity, err)
		}
		cc.Sources = append(cc.Sources, coordinator.Source{Entity: s.Entity, Kind: kind})
	}
	return cc, nil
}

// Defaults of the original integration.
func setTariffDefaults(v *viper.Viper) {
	v.SetDefault("tariff.electricity_markup", 0.02)
	v.SetDefault("tariff.electricity_production_markup", 0.0)
	v.SetDefault("tariff.electricity_tax", 0.1088)
	v.SetDefault("tariff.gas_markup", 0.0)
	v.SetDefault("tariff.gas_tax", 0.0)
	v.SetDefault("tariff.electricity_connection_fee_per_day", 0.25)
	v.SetDefault("tariff.electricity_standing_charge_per_day", 0.25)
	v.SetDefault("tariff.electricity_tax_rebate_per_day", 0.25)
	v.SetDefault("tariff.gas_connection_fee_per_day", 0.0)
	v.SetDefault("tariff.gas_standing_charge_per_day", 0.0)
	v.SetDefault("tariff.vat_percentage", 21.0)
	v.SetDefault("tariff.production_price_include_vat", true)
	v.SetDefault("tariff.netting_enabled", false)
	v.SetDefault("tariff.overage_compensation_enabled", false)
	v.SetDefault("tariff.overage_compensation_rate", 0.0)
	v.SetDefault("tariff.solar_bonus_enabled", false)
	v.SetDefault("tariff.solar_bonus_percentage", 0.0)
	v.SetDefault("tariff.solar_bonus_annual_limit_kwh", 7500.0)
	v.SetDefault("tariff.contract_start_date", "")
}

func Load(path string) (*AppConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setTariffDefaults(v)

	var c AppConfig

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config file: %w", err)
	}
	c.Path = v.ConfigFileUsed()

	return &c, nil
}
