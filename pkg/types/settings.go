package types

import (
	"fmt"
)

// Operation modes a Powerwall accepts for default_real_mode.
const (
	ModeSelfConsumption = "self_consumption"
	ModeAutonomous      = "autonomous"
	ModeBackup          = "backup"
)

// PowerwallSettings are the gateway settings that can be read and changed
// alongside the tariff. Nil fields are left untouched when applied.
type PowerwallSettings struct {
	ReservePercentage  *float64 `json:"reservePercentage,omitempty"`
	Mode               *string  `json:"mode,omitempty"`
	AllowGridCharging  *bool    `json:"allowGridCharging,omitempty"`
	AllowBatteryExport *bool    `json:"allowBatteryExport,omitempty"`
}

// Empty returns true if no setting is present.
func (s PowerwallSettings) Empty() bool {
	return s.ReservePercentage == nil && s.Mode == nil && s.AllowGridCharging == nil && s.AllowBatteryExport == nil
}

// Validate checks the values of the present settings.
func (s PowerwallSettings) Validate() error {
	if s.ReservePercentage != nil {
		if *s.ReservePercentage < 0 || *s.ReservePercentage > 100 {
			return fmt.Errorf("reserve percentage must be between 0 and 100: %v", *s.ReservePercentage)
		}
	}
	if s.Mode != nil {
		switch *s.Mode {
		case ModeSelfConsumption, ModeAutonomous, ModeBackup:
		default:
			return fmt.Errorf("unknown operation mode: %q", *s.Mode)
		}
	}
	return nil
}
