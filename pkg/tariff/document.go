package tariff

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// DirectionOptions configure one side of the document.
type DirectionOptions struct {
	Layout         Layout
	StandingCharge decimal.Decimal
}

// DocumentOptions configure BuildDocument.
type DocumentOptions struct {
	Plan    string
	Utility string
	// ExportPlan names the sell tariff. It defaults to Plan.
	ExportPlan string
	Import     DirectionOptions
	Export     DirectionOptions
	Location   *time.Location
}

// BuildDocument assembles the tariff for weekday from the stored band sets.
// Prices come from weekday's bands. Without export bands the sell tariff
// mirrors the import periods at zero.
func BuildDocument(opts DocumentOptions, w *WeekSchedules, weekday int) (types.TariffDocument, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	buyBands := w.Get(weekday, types.DirectionImport)
	if len(buyBands) == 0 {
		return types.TariffDocument{}, &CompositionError{Msg: "no import bands for today"}
	}
	buyRanges, err := opts.Import.Layout.ranges(w, weekday, types.DirectionImport)
	if err != nil {
		return types.TariffDocument{}, err
	}
	buySeasons := seasons(touPeriods(buyRanges, loc))
	buyPrices := make(map[string]float64, len(buyBands))
	for _, b := range buyBands {
		buyPrices[b.Name()] = b.Price().InexactFloat64()
	}

	var sellSeasons map[string]types.Season
	var sellPrices map[string]float64
	if sellBands := w.Get(weekday, types.DirectionExport); len(sellBands) > 0 {
		sellRanges, err := opts.Export.Layout.ranges(w, weekday, types.DirectionExport)
		if err != nil {
			return types.TariffDocument{}, err
		}
		sellSeasons = seasons(touPeriods(sellRanges, loc))
		sellPrices = make(map[string]float64, len(sellBands))
		for _, b := range sellBands {
			sellPrices[b.Name()] = b.Price().InexactFloat64()
		}
	} else {
		sellSeasons = buySeasons
		sellPrices = make(map[string]float64, len(buyPrices))
		for name := range buyPrices {
			sellPrices[name] = 0
		}
	}

	sellPlan := opts.ExportPlan
	if sellPlan == "" {
		sellPlan = opts.Plan
	}
	sell := tariffDocument(sellPlan, opts.Utility, opts.Export.StandingCharge, sellSeasons, sellPrices)
	doc := tariffDocument(opts.Plan, opts.Utility, opts.Import.StandingCharge, buySeasons, buyPrices)
	doc.SellTariff = &sell
	return doc, nil
}

func tariffDocument(plan, utility string, standingCharge decimal.Decimal, seasons map[string]types.Season, prices map[string]float64) types.TariffDocument {
	return types.TariffDocument{
		Name:    plan,
		Utility: utility,
		DailyCharges: []types.DailyCharge{
			{Name: "Charge", Amount: standingCharge.InexactFloat64()},
		},
		DemandCharges: map[string]map[string]float64{
			types.SeasonAll:    {types.SeasonAll: 0},
			types.SeasonSummer: {},
			types.SeasonWinter: {},
		},
		Seasons: seasons,
		EnergyCharges: map[string]map[string]float64{
			types.SeasonAll:    {types.SeasonAll: 0},
			types.SeasonSummer: prices,
			types.SeasonWinter: {},
		},
	}
}

// seasons puts every period into a year-long summer.
func seasons(tou map[string][]types.TOUPeriod) map[string]types.Season {
	return map[string]types.Season{
		types.SeasonSummer: {
			FromMonth:  1,
			FromDay:    1,
			ToDay:      31,
			ToMonth:    12,
			TOUPeriods: tou,
		},
		types.SeasonWinter: {
			TOUPeriods: map[string][]types.TOUPeriod{},
		},
	}
}
