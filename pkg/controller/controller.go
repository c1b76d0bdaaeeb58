package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jinzhu/now"

	"github.com/pulquero/agile-powerwall/pkg/config"
	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/metrics"
	"github.com/pulquero/agile-powerwall/pkg/powerwall"
	"github.com/pulquero/agile-powerwall/pkg/storage"
	"github.com/pulquero/agile-powerwall/pkg/tariff"
	"github.com/pulquero/agile-powerwall/pkg/types"
)

const (
	// remoteTTL is how long a fetched gateway tariff is trusted.
	remoteTTL = 10 * time.Second
	// rolloverDelay gives the rate feeds a moment after local midnight.
	rolloverDelay = 2 * time.Minute
)

// StatusSink receives a one-line summary of every refresh.
type StatusSink interface {
	PublishStatus(ctx context.Context, msg string) error
}

// Result describes a completed refresh.
type Result struct {
	Cycle   string   `json:"cycle"`
	Outcome string   `json:"outcome,omitempty"`
	Changes []string `json:"changes,omitempty"`
	// TariffCodes holds the tariff of the current day rates per direction.
	TariffCodes map[types.Direction]string `json:"tariff_codes,omitempty"`
	Document    *types.TariffDocument      `json:"document,omitempty"`
}

type remoteCache struct {
	doc       types.TariffDocument
	fetchedAt time.Time
	valid     bool
}

// Controller owns the rate windows, the week store and the cached gateway
// tariff. Every method is safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	settings config.Settings
	windows  map[types.Direction]*tariff.RateWindow
	week     *tariff.WeekSchedules
	remote   remoteCache

	gateway powerwall.Gateway
	db      storage.Database
	states  tariff.StateReader
	status  StatusSink
	clock   func() time.Time
}

// Option customises a Controller.
type Option func(*Controller)

// WithStates sets the resolver used by entity thresholds.
func WithStates(states tariff.StateReader) Option {
	return func(c *Controller) {
		c.states = states
	}
}

// WithStatus sets where refresh summaries are published.
func WithStatus(status StatusSink) Option {
	return func(c *Controller) {
		c.status = status
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// New returns a Controller with empty windows and an empty week store.
func New(settings config.Settings, gateway powerwall.Gateway, db storage.Database, opts ...Option) *Controller {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.Document.Location == nil {
		settings.Document.Location = settings.Location
	}
	if db == nil {
		db = storage.None{}
	}
	c := &Controller{
		settings: settings,
		windows:  make(map[types.Direction]*tariff.RateWindow, len(types.Directions)),
		week:     tariff.NewWeekSchedules(),
		gateway:  gateway,
		db:       db,
		clock:    time.Now,
	}
	for _, dir := range types.Directions {
		c.windows[dir] = tariff.NewRateWindow(dir, settings.Location)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore loads the week store saved by a previous run.
func (c *Controller) Restore(ctx context.Context) error {
	record, err := c.db.GetWeekSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load week schedules: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.week = tariff.WeekSchedulesFromRecord(record)
	return nil
}

// Ingest stores a batch of rates in the window for dir. The batch is stamped
// with today's local date.
func (c *Controller) Ingest(ctx context.Context, dir types.Direction, slot types.Slot, tariffCode string, quotes []types.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.windows[dir]
	if !ok {
		return fmt.Errorf("unknown direction: %q", dir)
	}
	date := civil.DateOf(c.clock().In(c.settings.Location))
	err := w.Update(slot, date, tariffCode, quotes)
	if err != nil {
		metrics.ObserveIngest(string(dir), slot.String(), "invalid")
		return fmt.Errorf("failed to ingest %s %s rates: %w", dir, slot, err)
	}
	metrics.ObserveIngest(string(dir), slot.String(), "")
	log.Ctx(ctx).DebugContext(
		ctx,
		"ingested rates",
		slog.String("direction", string(dir)),
		slog.String("slot", slot.String()),
		slog.String("tariffCode", tariffCode),
		slog.Int("count", len(quotes)),
		slog.String("date", date.String()),
	)
	return nil
}

// Refresh recomputes today's bands and pushes the tariff to the gateway if it
// differs from what the gateway already has.
func (c *Controller) Refresh(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Cycle: uuid.NewString()}
	ctx = log.WithAttrs(ctx, slog.String("cycle", res.Cycle))

	c.mu.Lock()
	err := c.refresh(ctx, &res)
	c.mu.Unlock()

	msg := res.Outcome
	if err != nil {
		kind := tariff.Classify(err)
		metrics.ObserveRefresh(string(kind), time.Since(start))
		log.Ctx(ctx).WarnContext(ctx, "refresh skipped", slog.String("kind", string(kind)), slog.Any("error", err))
		msg = err.Error()
	} else {
		metrics.ObserveRefresh(res.Outcome, time.Since(start))
		log.Ctx(ctx).InfoContext(ctx, "refresh finished", slog.String("outcome", res.Outcome), slog.Int("changes", len(res.Changes)))
	}
	if c.status != nil {
		if perr := c.status.PublishStatus(ctx, msg); perr != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish status", slog.Any("error", perr))
		}
	}
	return res, err
}

func (c *Controller) refresh(ctx context.Context, res *Result) error {
	current := c.clock().In(c.settings.Location)
	today := civil.DateOf(current)
	weekday := tariff.Weekday(current.Weekday())

	for _, dir := range types.Directions {
		w := c.windows[dir]
		if dir == types.DirectionExport && !w.HasData() {
			continue
		}
		if err := w.Validate(); err != nil {
			return err
		}
		if code := w.TariffCode(); code != "" {
			if res.TariffCodes == nil {
				res.TariffCodes = make(map[types.Direction]string)
			}
			res.TariffCodes[dir] = code
		}
	}

	week := c.week.Clone()
	if !c.settings.RetainHistory {
		for _, dir := range types.Directions {
			week.Reset(dir)
		}
	}
	ok, err := c.updateDay(ctx, week, today, weekday)
	if err != nil {
		return err
	}
	if !ok {
		return &tariff.CompositionError{Msg: "no import rates for " + today.String()}
	}
	if c.settings.PrecomputeTomorrow {
		tomorrow := today.AddDays(1)
		if _, err := c.updateDay(ctx, week, tomorrow, (weekday+1)%tariff.DaysInWeek); err != nil {
			return fmt.Errorf("failed to precompute %s: %w", tomorrow, err)
		}
	}

	doc, err := tariff.BuildDocument(c.settings.Document, week, weekday)
	if err != nil {
		return err
	}
	res.Document = &doc

	remote, err := c.remoteTariff(ctx, current)
	if err != nil {
		return err
	}
	changes, err := tariff.Diff(remote, doc)
	if err != nil {
		return fmt.Errorf("failed to compare tariffs: %w", err)
	}
	res.Changes = changes

	if len(changes) == 0 {
		res.Outcome = metrics.ResultUnchanged
	} else {
		log.Ctx(ctx).DebugContext(ctx, "tariff changed", slog.Any("paths", changes))
		if err := c.gateway.SetTariff(ctx, doc); err != nil {
			c.remote = remoteCache{}
			return &tariff.TransportError{Op: "set tariff", Err: err}
		}
		c.remote = remoteCache{doc: doc, fetchedAt: current, valid: true}
		res.Outcome = metrics.ResultPushed
		metrics.SetLastPush(current)
		if !c.settings.RetainHistory {
			for _, w := range c.windows {
				w.Reset()
			}
		}
	}

	c.week = week
	for _, dir := range types.Directions {
		metrics.SetBandPrices(string(dir), bandPrices(week.Get(weekday, dir)))
	}
	if err := c.db.SetWeekSchedules(ctx, week.Record()); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save week schedules", slog.Any("error", err))
	}
	return nil
}

// updateDay stores the bands of day in week. It returns false if there are no
// import rates for the day.
func (c *Controller) updateDay(ctx context.Context, week *tariff.WeekSchedules, day civil.Date, weekday int) (bool, error) {
	imports, err := tariff.BuildSchedules(ctx, c.settings.Import, c.windows[types.DirectionImport].Day(day), c.states)
	if err != nil {
		return false, fmt.Errorf("import bands for %s: %w", day, err)
	}
	if len(imports) == 0 {
		return false, nil
	}
	exports, err := tariff.BuildSchedules(ctx, c.settings.Export, c.windows[types.DirectionExport].Day(day), c.states)
	if err != nil {
		return false, fmt.Errorf("export bands for %s: %w", day, err)
	}
	week.Update(weekday, tariff.Bands(imports), tariff.Bands(exports))
	return true, nil
}

func (c *Controller) remoteTariff(ctx context.Context, current time.Time) (types.TariffDocument, error) {
	if c.remote.valid && current.Sub(c.remote.fetchedAt) < remoteTTL {
		return c.remote.doc, nil
	}
	doc, err := c.gateway.GetTariff(ctx)
	if err != nil {
		return types.TariffDocument{}, &tariff.TransportError{Op: "get tariff", Err: err}
	}
	c.remote = remoteCache{doc: doc, fetchedAt: current, valid: true}
	return doc, nil
}

func bandPrices(bands []tariff.Band) map[string]float64 {
	prices := make(map[string]float64, len(bands))
	for _, b := range bands {
		prices[b.Name()] = b.Price().InexactFloat64()
	}
	return prices
}

// WeekSchedules returns a snapshot of the week store.
func (c *Controller) WeekSchedules() types.WeekRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.week.Record()
}

// GetSettings reads the gateway settings.
func (c *Controller) GetSettings(ctx context.Context) (types.PowerwallSettings, error) {
	settings, err := c.gateway.GetSettings(ctx)
	if err != nil {
		return types.PowerwallSettings{}, &tariff.TransportError{Op: "get settings", Err: err}
	}
	return settings, nil
}

// SetSettings applies the present fields of settings to the gateway.
func (c *Controller) SetSettings(ctx context.Context, settings types.PowerwallSettings) error {
	if err := settings.Validate(); err != nil {
		return &tariff.ConfigError{Msg: err.Error()}
	}
	if err := c.gateway.SetSettings(ctx, settings); err != nil {
		return &tariff.TransportError{Op: "set settings", Err: err}
	}
	return nil
}

// nextRollover returns the first rollover after t.
func nextRollover(t time.Time) time.Time {
	return now.With(t).BeginningOfDay().AddDate(0, 0, 1).Add(rolloverDelay)
}

// RunRollover refreshes shortly after every local midnight until ctx is done.
func (c *Controller) RunRollover(ctx context.Context) {
	for {
		next := nextRollover(c.clock().In(c.settings.Location))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		// errors are already logged and published by Refresh
		_, _ = c.Refresh(ctx)
	}
}
