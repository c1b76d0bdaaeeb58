package tariff

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceCap seeds the minimum aggregator so an empty band reports the cap.
var PriceCap = decimal.NewFromInt(1)

// Aggregator accumulates the prices of one band. Value is computed on the
// first call and never changes afterwards.
type Aggregator interface {
	Add(price decimal.Decimal)
	Value() decimal.Decimal
}

type memo struct {
	value decimal.Decimal
	done  bool
}

func (m *memo) get(compute func() decimal.Decimal) decimal.Decimal {
	if !m.done {
		m.value = compute()
		m.done = true
	}
	return m.value
}

type average struct {
	memo
	sum   decimal.Decimal
	count int64
	// floorEach floors every price at zero before it is summed
	floorEach bool
}

func (a *average) Add(price decimal.Decimal) {
	if a.floorEach && price.IsNegative() {
		price = decimal.Zero
	}
	a.sum = a.sum.Add(price)
	a.count++
}

func (a *average) Value() decimal.Decimal {
	return a.get(func() decimal.Decimal {
		if a.count == 0 {
			return decimal.Zero
		}
		return decimal.Max(a.sum.Div(decimal.NewFromInt(a.count)), decimal.Zero)
	})
}

type minimum struct {
	memo
	min decimal.Decimal
}

func (a *minimum) Add(price decimal.Decimal) {
	a.min = decimal.Min(a.min, price)
}

func (a *minimum) Value() decimal.Decimal {
	return a.get(func() decimal.Decimal {
		return decimal.Max(a.min, decimal.Zero)
	})
}

type maximum struct {
	memo
	max decimal.Decimal
}

func (a *maximum) Add(price decimal.Decimal) {
	a.max = decimal.Max(a.max, price)
}

func (a *maximum) Value() decimal.Decimal {
	return a.get(func() decimal.Decimal {
		return a.max
	})
}

type fixed struct {
	value decimal.Decimal
}

func (a *fixed) Add(decimal.Decimal) {}

func (a *fixed) Value() decimal.Decimal {
	return a.value
}

type pricingFactory struct {
	args int
	new  func(args []decimal.Decimal) Aggregator
}

var pricings = map[string]pricingFactory{
	"average": {new: func([]decimal.Decimal) Aggregator {
		return &average{}
	}},
	"nonNegativeAverage": {new: func([]decimal.Decimal) Aggregator {
		return &average{floorEach: true}
	}},
	"minimum": {new: func([]decimal.Decimal) Aggregator {
		return &minimum{min: PriceCap}
	}},
	"maximum": {new: func([]decimal.Decimal) Aggregator {
		return &maximum{max: decimal.Zero}
	}},
	"fixed": {args: 1, new: func(args []decimal.Decimal) Aggregator {
		return &fixed{value: args[0]}
	}},
}

// PricingNames lists the registered aggregator names.
func PricingNames() []string {
	names := make([]string, 0, len(pricings))
	for n := range pricings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Pricing is a validated aggregator expression such as "average" or
// "fixed(0.15)".
type Pricing struct {
	expr    string
	factory pricingFactory
	args    []decimal.Decimal
}

// ParsePricing resolves expr against the aggregator registry.
func ParsePricing(expr string) (Pricing, error) {
	name, rawArgs, err := parseCall(expr)
	if err != nil {
		return Pricing{}, err
	}
	f, ok := pricings[name]
	if !ok {
		return Pricing{}, configErrorf("unknown pricing %q (available: %s)", name, strings.Join(PricingNames(), ", "))
	}
	if len(rawArgs) != f.args {
		return Pricing{}, configErrorf("pricing %q takes %d argument(s), got %d", name, f.args, len(rawArgs))
	}
	args := make([]decimal.Decimal, len(rawArgs))
	for i, a := range rawArgs {
		d, err := decimal.NewFromString(a)
		if err != nil {
			return Pricing{}, configErrorf("pricing %q: invalid number %q", name, a)
		}
		args[i] = d
	}
	return Pricing{expr: expr, factory: f, args: args}, nil
}

// MustParsePricing is ParsePricing that panics on error.
func MustParsePricing(expr string) Pricing {
	p, err := ParsePricing(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// New returns a fresh aggregator.
func (p Pricing) New() Aggregator {
	return p.factory.new(p.args)
}

func (p Pricing) String() string {
	return p.expr
}

// parseCall splits "name(a, b)" into its name and arguments. A bare name has
// no arguments.
func parseCall(expr string) (string, []string, error) {
	expr = strings.TrimSpace(expr)
	open := strings.IndexByte(expr, '(')
	if open < 0 {
		if expr == "" {
			return "", nil, configErrorf("empty expression")
		}
		return expr, nil, nil
	}
	if !strings.HasSuffix(expr, ")") {
		return "", nil, configErrorf("unterminated expression %q", expr)
	}
	name := strings.TrimSpace(expr[:open])
	inner := strings.TrimSpace(expr[open+1 : len(expr)-1])
	if name == "" {
		return "", nil, configErrorf("missing name in %q", expr)
	}
	if inner == "" {
		return name, nil, nil
	}
	var args []string
	for _, a := range strings.Split(inner, ",") {
		a = strings.Trim(strings.TrimSpace(a), `"'`)
		args = append(args, a)
	}
	return name, args, nil
}
