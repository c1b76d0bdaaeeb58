package types

// TariffDocument is the tariff_content a Powerwall gateway accepts. The sell
// tariff shares the same shape without a nested sell tariff of its own.
type TariffDocument struct {
	Name          string                        `json:"name"`
	Utility       string                        `json:"utility"`
	DailyCharges  []DailyCharge                 `json:"daily_charges"`
	DemandCharges map[string]map[string]float64 `json:"demand_charges"`
	Seasons       map[string]Season             `json:"seasons"`
	EnergyCharges map[string]map[string]float64 `json:"energy_charges"`
	SellTariff    *TariffDocument               `json:"sell_tariff,omitempty"`
}

// DailyCharge is a fixed amount charged per day.
type DailyCharge struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

// Season covers a range of the year and the time-of-use periods of each band
// within it.
type Season struct {
	FromMonth  int                    `json:"fromMonth"`
	FromDay    int                    `json:"fromDay"`
	ToDay      int                    `json:"toDay"`
	ToMonth    int                    `json:"toMonth"`
	TOUPeriods map[string][]TOUPeriod `json:"tou_periods"`
}

// TOUPeriod is a day-of-week span with hour and minute bounds in the local
// time of the gateway. Days of the week start at Monday=0.
type TOUPeriod struct {
	FromDayOfWeek int `json:"fromDayOfWeek"`
	FromHour      int `json:"fromHour"`
	FromMinute    int `json:"fromMinute"`
	ToDayOfWeek   int `json:"toDayOfWeek"`
	ToHour        int `json:"toHour"`
	ToMinute      int `json:"toMinute"`
}

// Season names used by the tariff document.
const (
	SeasonSummer = "Summer"
	SeasonWinter = "Winter"
	SeasonAll    = "ALL"
)
