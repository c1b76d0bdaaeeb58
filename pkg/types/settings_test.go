package types

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestPowerwallSettingsValidate(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := PowerwallSettings{}
		assert.True(t, s.Empty())
		assert.NoError(t, s.Validate())
	})

	t.Run("reserve in range", func(t *testing.T) {
		s := PowerwallSettings{ReservePercentage: lo.ToPtr(20.0)}
		assert.False(t, s.Empty())
		assert.NoError(t, s.Validate())
	})

	t.Run("reserve out of range", func(t *testing.T) {
		s := PowerwallSettings{ReservePercentage: lo.ToPtr(120.0)}
		assert.ErrorContains(t, s.Validate(), "between 0 and 100")
	})

	t.Run("unknown mode", func(t *testing.T) {
		s := PowerwallSettings{Mode: lo.ToPtr("turbo")}
		assert.ErrorContains(t, s.Validate(), "unknown operation mode")
	})

	t.Run("import export flags alone", func(t *testing.T) {
		s := PowerwallSettings{AllowBatteryExport: lo.ToPtr(true)}
		assert.NoError(t, s.Validate())
	})
}
