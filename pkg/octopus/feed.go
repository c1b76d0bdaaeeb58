package octopus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-openapi/runtime"
	httptransport "github.com/go-openapi/runtime/client"
	"github.com/go-openapi/strfmt"
	"github.com/levenlabs/go-lflag"
	octopus "github.com/mgazza/go-octopus-energy/client"
	"github.com/mgazza/go-octopus-energy/client/products"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pulquero/agile-powerwall/pkg/common"
	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

// pageSize covers a day of half-hourly rates in one page.
const pageSize = int64(100)

// The public API rate limits with 429 and has the occasional 5xx.
var octopusRetry = common.RetryPolicy{
	Attempts:        4,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	Retryable: func(code int) bool {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	},
}

// Sink receives the rates fetched for each slot.
type Sink interface {
	Ingest(ctx context.Context, dir types.Direction, slot types.Slot, tariffCode string, quotes []types.Quote) error
}

// Config selects the tariffs to poll.
type Config struct {
	APIKey       string
	ImportTariff string
	ExportTariff string
	Interval     time.Duration
}

// Enabled returns true if there is at least an import tariff to poll.
func (c Config) Enabled() bool {
	return c.ImportTariff != "" && c.Interval > 0
}

// Configured reads the feed config from flags.
func Configured() *Config {
	apiKey := lflag.String("octopus-api-key", "", "Octopus Energy API key, optional for public tariffs")
	importTariff := lflag.String("octopus-import-tariff", "", "Import tariff code to poll, e.g. E-1R-AGILE-FLEX-22-11-25-C, empty disables polling")
	exportTariff := lflag.String("octopus-export-tariff", "", "Export tariff code to poll")
	interval := lflag.Duration("octopus-poll-interval", 30*time.Minute, "How often to poll Octopus for rates")

	var c Config
	lflag.Do(func() {
		c = Config{
			APIKey:       *apiKey,
			ImportTariff: *importTariff,
			ExportTariff: *exportTariff,
			Interval:     *interval,
		}
	})
	return &c
}

// Feed polls the Octopus API for the previous, current and next day rates of
// each configured tariff.
type Feed struct {
	client  *octopus.OctopusEnergyRESTAPI
	retry   common.RetryPolicy
	cfg     Config
	loc     *time.Location
	now     func() time.Time
	tariffs map[types.Direction]string
}

// NewFeed returns a feed whose days are computed in loc. rt may be nil to use
// the default transport.
func NewFeed(rt http.RoundTripper, cfg Config, loc *time.Location) *Feed {
	tcfg := octopus.DefaultTransportConfig()
	transport := httptransport.New(tcfg.Host, tcfg.BasePath, tcfg.Schemes)
	transport.Transport = common.Transport("octopus", rt)
	if cfg.APIKey != "" {
		transport.DefaultAuthentication = httptransport.BasicAuth(cfg.APIKey, "")
	}

	tariffs := map[types.Direction]string{types.DirectionImport: cfg.ImportTariff}
	if cfg.ExportTariff != "" {
		tariffs[types.DirectionExport] = cfg.ExportTariff
	}
	return &Feed{
		client:  octopus.New(transport, strfmt.Default),
		retry:   octopusRetry,
		cfg:     cfg,
		loc:     loc,
		now:     time.Now,
		tariffs: tariffs,
	}
}

// ProductCode derives the product code from a tariff code by dropping the
// fuel/register prefix and region suffix.
func ProductCode(tariffCode string) (string, error) {
	parts := strings.Split(tariffCode, "-")
	if len(parts) < 4 {
		return "", fmt.Errorf("unrecognised tariff code: %q", tariffCode)
	}
	return strings.Join(parts[2:len(parts)-1], "-"), nil
}

// fetch returns the rates between start and end, sorted by the window when
// ingested.
func (f *Feed) fetch(ctx context.Context, tariffCode string, start, end time.Time) ([]types.Quote, error) {
	productCode, err := ProductCode(tariffCode)
	if err != nil {
		return nil, err
	}
	size := pageSize
	page := int64(1)
	params := products.NewListElectricityTariffStandardUnitRatesParams().
		WithContext(ctx).
		WithProductCode(productCode).
		WithTariffCode(tariffCode).
		WithPeriodFrom((*strfmt.DateTime)(&start)).
		WithPeriodTo((*strfmt.DateTime)(&end)).
		WithPageSize(&size)

	var quotes []types.Quote
	for {
		params.WithPage(&page)
		response, err := common.Retry(ctx, f.retry, func(context.Context) (*products.ListElectricityTariffStandardUnitRatesOK, error) {
			resp, err := f.client.Products.ListElectricityTariffStandardUnitRates(params, nil)
			var apiErr *runtime.APIError
			if errors.As(err, &apiErr) {
				return nil, &common.StatusError{Code: apiErr.Code}
			}
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s rates: %w", tariffCode, err)
		}
		for _, rate := range response.Payload.Results {
			if rate.ValidFrom == nil || rate.ValidTo == nil {
				continue
			}
			quotes = append(quotes, types.Quote{
				Start: time.Time(*rate.ValidFrom),
				End:   time.Time(*rate.ValidTo),
				// rates are published in pence
				Price: decimal.NewFromFloat(rate.ValueIncVat).Shift(-2),
			})
		}
		if response.Payload.Next == nil {
			break
		}
		page++
	}
	return quotes, nil
}

// Poll fetches the three days of each tariff concurrently and ingests every
// day into sink. Next day rates are typically missing until the afternoon;
// that slot is still ingested, empty, so the window knows it is up to date.
func (f *Feed) Poll(ctx context.Context, sink Sink) error {
	today := civil.DateOf(f.now().In(f.loc))
	for _, dir := range types.Directions {
		tariffCode, ok := f.tariffs[dir]
		if !ok {
			continue
		}

		var days [len(types.Slots)][]types.Quote
		g, gctx := errgroup.WithContext(ctx)
		for _, slot := range types.Slots {
			day := today.AddDays(int(slot) - int(types.SlotCurrent))
			g.Go(func() error {
				quotes, err := f.fetch(gctx, tariffCode, day.In(f.loc), day.AddDays(1).In(f.loc))
				if err != nil {
					return err
				}
				days[slot] = quotes
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var errs []error
		for _, slot := range types.Slots {
			if len(days[slot]) == 0 {
				log.Ctx(ctx).DebugContext(ctx, "no rates published yet", slog.String("direction", string(dir)), slog.String("slot", slot.String()))
			}
			if err := sink.Ingest(ctx, dir, slot, tariffCode, days[slot]); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", dir, slot, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
	}
	return nil
}

// Run polls every interval until ctx is done, calling after when a poll
// succeeds.
func (f *Feed) Run(ctx context.Context, sink Sink, after func(context.Context)) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := f.Poll(ctx, sink); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to poll octopus rates", slog.Any("error", err))
		} else if after != nil {
			after(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
