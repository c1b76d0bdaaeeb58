package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// ExclusiveOffset nudges cheapest-side derived thresholds so that the
// boundary price falls into the cheaper band.
var ExclusiveOffset = decimal.New(1, -6)

// Assigner decides whether a price belongs to a band.
type Assigner interface {
	Contains(price decimal.Decimal) bool
	// Name describes the band's price range.
	Name() string
}

// rangeAssigner is a half-open [lower, upper) range. Invalid bounds are
// unbounded.
type rangeAssigner struct {
	lower decimal.NullDecimal
	upper decimal.NullDecimal
}

func (r rangeAssigner) Contains(price decimal.Decimal) bool {
	if r.lower.Valid && price.LessThan(r.lower.Decimal) {
		return false
	}
	if r.upper.Valid && !price.LessThan(r.upper.Decimal) {
		return false
	}
	return true
}

func (r rangeAssigner) Name() string {
	bound := func(d decimal.NullDecimal) string {
		if !d.Valid {
			return "-"
		}
		return d.Decimal.String()
	}
	return "[" + bound(r.lower) + ", " + bound(r.upper) + ")"
}

type exactAssigner struct {
	price decimal.Decimal
}

func (e exactAssigner) Contains(price decimal.Decimal) bool {
	return price.Equal(e.price)
}

func (e exactAssigner) Name() string {
	return e.price.String()
}

// rangeAssigners turns ascending thresholds into len(thresholds)+1 ranges,
// the first and last of which are unbounded.
func rangeAssigners(thresholds []decimal.Decimal) []Assigner {
	assigners := make([]Assigner, 0, len(thresholds)+1)
	lower := decimal.NullDecimal{}
	for _, t := range thresholds {
		upper := decimal.NewNullDecimal(t)
		assigners = append(assigners, rangeAssigner{lower: lower, upper: upper})
		lower = upper
	}
	return append(assigners, rangeAssigner{lower: lower})
}

// StateReader resolves external entity values for threshold functions.
type StateReader interface {
	State(ctx context.Context, entityID string) (string, error)
	StateAttribute(ctx context.Context, entityID, attribute string) (any, error)
}

// Threshold is one cutoff between two bands.
type Threshold interface {
	Value(ctx context.Context, prices []decimal.Decimal, states StateReader) (decimal.Decimal, error)
	String() string
}

type literalThreshold decimal.Decimal

func (l literalThreshold) Value(context.Context, []decimal.Decimal, StateReader) (decimal.Decimal, error) {
	return decimal.Decimal(l), nil
}

func (l literalThreshold) String() string {
	return decimal.Decimal(l).String()
}

type thresholdFunc func(ctx context.Context, prices []decimal.Decimal, states StateReader, args []string) (decimal.Decimal, error)

type thresholdFactory struct {
	args int
	fn   thresholdFunc
}

var thresholdFuncs = map[string]thresholdFactory{
	"lowest":     {args: 1, fn: lowestThreshold},
	"highest":    {args: 1, fn: highestThreshold},
	"states":     {args: 1, fn: stateThreshold},
	"state_attr": {args: 2, fn: stateAttrThreshold},
}

type funcThreshold struct {
	expr string
	args []string
	fn   thresholdFunc
}

func (f funcThreshold) Value(ctx context.Context, prices []decimal.Decimal, states StateReader) (decimal.Decimal, error) {
	return f.fn(ctx, prices, states, f.args)
}

func (f funcThreshold) String() string {
	return f.expr
}

// ParseThreshold accepts a literal price or a function expression such as
// "lowest(3)" or "state_attr(sensor.cheap, limit)".
func ParseThreshold(expr string) (Threshold, error) {
	if d, err := decimal.NewFromString(strings.TrimSpace(expr)); err == nil {
		return literalThreshold(d), nil
	}
	name, args, err := parseCall(expr)
	if err != nil {
		return nil, err
	}
	f, ok := thresholdFuncs[name]
	if !ok {
		return nil, configErrorf("unknown threshold function %q", name)
	}
	if len(args) != f.args {
		return nil, configErrorf("threshold function %q takes %d argument(s), got %d", name, f.args, len(args))
	}
	if name == "lowest" || name == "highest" {
		if _, err := slotCount(args[0]); err != nil {
			return nil, err
		}
	}
	return funcThreshold{expr: expr, args: args, fn: f.fn}, nil
}

// slotCount converts a duration in hours to a number of half-hour slots,
// rounding half to even.
func slotCount(hours string) (int, error) {
	h, err := strconv.ParseFloat(strings.TrimSpace(hours), 64)
	if err != nil {
		return 0, configErrorf("invalid hours %q", hours)
	}
	n := int(math.RoundToEven(2 * h))
	if n < 1 {
		return 0, configErrorf("hours must cover at least one slot: %q", hours)
	}
	return n, nil
}

func nthPrice(prices []decimal.Decimal, n int) (decimal.Decimal, error) {
	if len(prices) == 0 {
		return decimal.Decimal{}, &CompositionError{Msg: "no prices to derive a threshold from"}
	}
	return prices[min(n, len(prices))-1], nil
}

func lowestThreshold(_ context.Context, prices []decimal.Decimal, _ StateReader, args []string) (decimal.Decimal, error) {
	n, err := slotCount(args[0])
	if err != nil {
		return decimal.Decimal{}, err
	}
	sorted := slices.Clone(prices)
	slices.SortFunc(sorted, decimal.Decimal.Cmp)
	limit, err := nthPrice(sorted, n)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return limit.Add(ExclusiveOffset), nil
}

func highestThreshold(_ context.Context, prices []decimal.Decimal, _ StateReader, args []string) (decimal.Decimal, error) {
	n, err := slotCount(args[0])
	if err != nil {
		return decimal.Decimal{}, err
	}
	sorted := slices.Clone(prices)
	slices.SortFunc(sorted, func(a, b decimal.Decimal) int {
		return b.Cmp(a)
	})
	return nthPrice(sorted, n)
}

func stateThreshold(ctx context.Context, _ []decimal.Decimal, states StateReader, args []string) (decimal.Decimal, error) {
	if states == nil {
		return decimal.Decimal{}, configErrorf("states(%s) needs a state reader", args[0])
	}
	v, err := states.State(ctx, args[0])
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to read state of %s: %w", args[0], err)
	}
	return toDecimal(v)
}

func stateAttrThreshold(ctx context.Context, _ []decimal.Decimal, states StateReader, args []string) (decimal.Decimal, error) {
	if states == nil {
		return decimal.Decimal{}, configErrorf("state_attr(%s, %s) needs a state reader", args[0], args[1])
	}
	v, err := states.StateAttribute(ctx, args[0], args[1])
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to read %s of %s: %w", args[1], args[0], err)
	}
	return toDecimal(v)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch v := v.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("state %q is not a number", v)
		}
		return d, nil
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported state value %v (%T)", v, v)
}

// Strategy derives the band assigners for a day of quotes.
type Strategy interface {
	Assigners(ctx context.Context, quotes []types.Quote, states StateReader) ([]Assigner, error)
	// BandCount is the number of bands produced, or 0 if it depends on the
	// quotes.
	BandCount() int
}

// ThresholdStrategy splits the price axis at a list of thresholds.
type ThresholdStrategy struct {
	Thresholds []Threshold
}

func (s ThresholdStrategy) Assigners(ctx context.Context, quotes []types.Quote, states StateReader) ([]Assigner, error) {
	prices := quotePrices(quotes)
	values := make([]decimal.Decimal, len(s.Thresholds))
	for i, t := range s.Thresholds {
		v, err := t.Value(ctx, prices, states)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate threshold %s: %w", t, err)
		}
		values[i] = v
	}
	slices.SortFunc(values, decimal.Decimal.Cmp)
	return rangeAssigners(values), nil
}

func (s ThresholdStrategy) BandCount() int {
	return len(s.Thresholds) + 1
}

// IndividualStrategy gives every distinct price its own band.
type IndividualStrategy struct{}

func (IndividualStrategy) Assigners(_ context.Context, quotes []types.Quote, _ StateReader) ([]Assigner, error) {
	prices := lo.UniqBy(quotePrices(quotes), func(d decimal.Decimal) string {
		return d.String()
	})
	slices.SortFunc(prices, decimal.Decimal.Cmp)
	return lo.Map(prices, func(p decimal.Decimal, _ int) Assigner {
		return exactAssigner{price: p}
	}), nil
}

func (IndividualStrategy) BandCount() int {
	return 0
}

// JenksStrategy clusters the day's prices into Classes natural-breaks
// classes.
type JenksStrategy struct {
	Classes int
}

func (s JenksStrategy) Assigners(_ context.Context, quotes []types.Quote, _ StateReader) ([]Assigner, error) {
	if s.Classes < 1 {
		return nil, configErrorf("jenks needs at least one class, got %d", s.Classes)
	}
	prices := quotePrices(quotes)
	if len(prices) == 0 {
		return nil, &CompositionError{Msg: "no prices to cluster"}
	}
	slices.SortFunc(prices, decimal.Decimal.Cmp)
	breaks := jenksBreaks(prices, s.Classes)
	thresholds := lo.Map(breaks, func(b decimal.Decimal, _ int) decimal.Decimal {
		return b.Add(ExclusiveOffset)
	})
	return rangeAssigners(thresholds), nil
}

func (s JenksStrategy) BandCount() int {
	return s.Classes
}

func quotePrices(quotes []types.Quote) []decimal.Decimal {
	return lo.Map(quotes, func(q types.Quote, _ int) decimal.Decimal {
		return q.Price
	})
}

// ParseStrategy reads a breaks setting. The keywords "individual" and
// "jenks" select clustering strategies; anything else is a list of
// thresholds.
func ParseStrategy(keyword string, thresholds []string, classes int) (Strategy, error) {
	switch keyword {
	case "individual":
		return IndividualStrategy{}, nil
	case "jenks":
		if classes == 0 {
			classes = len(DefaultChargeNames)
		}
		if classes < 1 {
			return nil, configErrorf("jenks needs at least one class, got %d", classes)
		}
		return JenksStrategy{Classes: classes}, nil
	case "":
	default:
		return nil, configErrorf("unknown banding %q (available: individual, jenks or a list of thresholds)", keyword)
	}
	if len(thresholds) == 0 {
		return nil, configErrorf("no breaks configured")
	}
	s := ThresholdStrategy{Thresholds: make([]Threshold, len(thresholds))}
	for i, expr := range thresholds {
		t, err := ParseThreshold(expr)
		if err != nil {
			return nil, err
		}
		s.Thresholds[i] = t
	}
	return s, nil
}
