package powerwall

import (
	"context"
	"sync"

	"github.com/samber/lo"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Mock is an in-memory Gateway. It records every document pushed to it and
// returns the last one from GetTariff.
type Mock struct {
	mu       sync.Mutex
	tariff   types.TariffDocument
	pushes   []types.TariffDocument
	settings types.PowerwallSettings

	// Err, if set, is returned by every call.
	Err error
}

// NewMock returns a Mock with the defaults of a freshly installed site.
func NewMock() *Mock {
	return &Mock{
		settings: types.PowerwallSettings{
			ReservePercentage:  lo.ToPtr(20.0),
			Mode:               lo.ToPtr(types.ModeAutonomous),
			AllowGridCharging:  lo.ToPtr(true),
			AllowBatteryExport: lo.ToPtr(false),
		},
	}
}

// GetTariff implements Gateway.
func (m *Mock) GetTariff(ctx context.Context) (types.TariffDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.TariffDocument{}, m.Err
	}
	return m.tariff, nil
}

// SetTariff implements Gateway.
func (m *Mock) SetTariff(ctx context.Context, doc types.TariffDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.tariff = doc
	m.pushes = append(m.pushes, doc)
	return nil
}

// GetSettings implements Gateway.
func (m *Mock) GetSettings(ctx context.Context) (types.PowerwallSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.PowerwallSettings{}, m.Err
	}
	return m.settings, nil
}

// SetSettings implements Gateway.
func (m *Mock) SetSettings(ctx context.Context, settings types.PowerwallSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if settings.ReservePercentage != nil {
		m.settings.ReservePercentage = settings.ReservePercentage
	}
	if settings.Mode != nil {
		m.settings.Mode = settings.Mode
	}
	if settings.AllowGridCharging != nil {
		m.settings.AllowGridCharging = settings.AllowGridCharging
	}
	if settings.AllowBatteryExport != nil {
		m.settings.AllowBatteryExport = settings.AllowBatteryExport
	}
	return nil
}

// Pushes returns every document sent with SetTariff, oldest first.
func (m *Mock) Pushes() []types.TariffDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.TariffDocument(nil), m.pushes...)
}
