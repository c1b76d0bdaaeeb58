package powerwall

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Gateway reads and writes the tariff and settings of a Powerwall site.
type Gateway interface {
	// GetTariff returns the tariff document currently on the gateway.
	GetTariff(ctx context.Context) (types.TariffDocument, error)

	// SetTariff replaces the tariff document on the gateway.
	SetTariff(ctx context.Context, doc types.TariffDocument) error

	// GetSettings returns the reserve, mode and grid settings of the site.
	GetSettings(ctx context.Context) (types.PowerwallSettings, error)

	// SetSettings applies the present fields of settings and leaves the
	// others untouched.
	SetSettings(ctx context.Context, settings types.PowerwallSettings) error
}

// Configured sets up the gateway provider based on flags.
func Configured() Gateway {
	provider := lflag.String("powerwall-provider", "tesla", "Powerwall gateway provider to use (available: tesla, mock)")

	var g struct{ Gateway }

	tesla := configuredTesla()

	lflag.Do(func() {
		switch *provider {
		case "tesla":
			if err := tesla.Validate(); err != nil {
				panic(fmt.Sprintf("tesla validation failed: %v", err))
			}
			g.Gateway = tesla
		case "mock":
			g.Gateway = NewMock()
		default:
			panic(fmt.Sprintf("unknown powerwall provider: %s", *provider))
		}
	})

	return &g
}
