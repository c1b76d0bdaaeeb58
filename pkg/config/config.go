package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/pulquero/agile-powerwall/pkg/tariff"
)

const (
	defaultTimezone   = "Europe/London"
	defaultProvider   = "Octopus"
	defaultImportPlan = "Agile"
	defaultExportPlan = "Agile Outgoing"
	defaultPricing    = "average"
	defaultBreaks     = "individual"
)

// Config is the banding and tariff file.
type Config struct {
	Timezone           string     `yaml:"timezone"`
	Provider           string     `yaml:"provider"`
	RetainHistory      bool       `yaml:"retain_history"`
	PrecomputeTomorrow bool       `yaml:"precompute_tomorrow"`
	Import             Direction  `yaml:"import"`
	Export             *Direction `yaml:"export"`
}

// Direction configures the bands and document of one direction.
type Direction struct {
	Plan           string     `yaml:"plan"`
	Layout         string     `yaml:"layout"`
	StandingCharge Price      `yaml:"standing_charge"`
	Breaks         Breaks     `yaml:"breaks"`
	Bands          int        `yaml:"bands"`
	Pricing        StringList `yaml:"pricing"`
	Names          []string   `yaml:"names"`
	Plunge         *Plunge    `yaml:"plunge"`
}

// Plunge overrides the banding on days with a negative price.
type Plunge struct {
	Breaks  Breaks     `yaml:"breaks"`
	Pricing StringList `yaml:"pricing"`
	Names   []string   `yaml:"names"`
}

// Price is a decimal read from a YAML scalar without going through float64.
type Price struct {
	decimal.Decimal
}

func (p *Price) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", n.Line)
	}
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	p.Decimal = d
	return nil
}

// Breaks is either a keyword (individual, jenks) or a list of thresholds.
type Breaks struct {
	Keyword    string
	Thresholds []string
}

// IsZero reports whether no breaks were configured.
func (b Breaks) IsZero() bool {
	return b.Keyword == "" && len(b.Thresholds) == 0
}

func (b *Breaks) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		b.Keyword = n.Value
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: breaks must be scalars", c.Line)
			}
			b.Thresholds = append(b.Thresholds, c.Value)
		}
	default:
		return fmt.Errorf("line %d: breaks must be a keyword or a list", n.Line)
	}
	return nil
}

// StringList accepts a single string or a list of strings.
type StringList []string

func (s *StringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*s = StringList{n.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := n.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
}

// Settings is a validated Config ready for use.
type Settings struct {
	Location           *time.Location
	Import             tariff.Banding
	Export             tariff.Banding
	Document           tariff.DocumentOptions
	RetainHistory      bool
	PrecomputeTomorrow bool
}

// Parse reads a config and fills in defaults.
func Parse(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, &tariff.ConfigError{Msg: err.Error()}
	}
	c.setDefaults()
	return &c, nil
}

// Load reads the config file at path and validates it.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return Settings{}, err
	}
	return c.Build()
}

// Configured loads the config file named by flags.
func Configured() *Settings {
	path := lflag.String("config", "/config/agile-powerwall.yaml", "Path of the banding and tariff config file")

	var s Settings
	lflag.Do(func() {
		var err error
		s, err = Load(*path)
		if err != nil {
			panic(fmt.Sprintf("config validation failed: %v", err))
		}
	})
	return &s
}

func (c *Config) setDefaults() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Provider == "" {
		c.Provider = defaultProvider
	}
	if c.Import.Plan == "" {
		c.Import.Plan = defaultImportPlan
	}
	if len(c.Import.Pricing) == 0 {
		c.Import.Pricing = StringList{defaultPricing}
	}
	if c.Import.Breaks.IsZero() {
		c.Import.Breaks = Breaks{Keyword: defaultBreaks}
	}
	if c.Export == nil {
		// export bands use the import banding unless configured
		c.Export = &Direction{
			Layout: c.Import.Layout,
			Breaks: c.Import.Breaks,
			Bands:  c.Import.Bands,
		}
		if c.Import.Breaks.Keyword == "" {
			// literal thresholds were chosen for import prices
			c.Export.Breaks = Breaks{Keyword: defaultBreaks}
		}
	}
	if c.Export.Breaks.IsZero() {
		c.Export.Breaks = Breaks{Keyword: defaultBreaks}
	}
	if c.Export.Plan == "" {
		c.Export.Plan = defaultExportPlan
	}
	if len(c.Export.Pricing) == 0 {
		c.Export.Pricing = StringList{defaultPricing}
	}
}

// Validate checks the config without returning the built settings.
func (c *Config) Validate() error {
	_, err := c.Build()
	return err
}

// Build validates the config and turns it into Settings.
func (c *Config) Build() (Settings, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return Settings{}, &tariff.ConfigError{Msg: fmt.Sprintf("unknown timezone %q", c.Timezone)}
	}
	imports, importLayout, err := c.Import.build()
	if err != nil {
		return Settings{}, fmt.Errorf("import: %w", err)
	}
	exports, exportLayout, err := c.Export.build()
	if err != nil {
		return Settings{}, fmt.Errorf("export: %w", err)
	}
	return Settings{
		Location: loc,
		Import:   imports,
		Export:   exports,
		Document: tariff.DocumentOptions{
			Plan:    c.Import.Plan,
			Utility: c.Provider,
			Import: tariff.DirectionOptions{
				Layout:         importLayout,
				StandingCharge: c.Import.StandingCharge.Decimal,
			},
			Export: tariff.DirectionOptions{
				Layout:         exportLayout,
				StandingCharge: c.Export.StandingCharge.Decimal,
			},
			ExportPlan: c.Export.Plan,
			Location:   loc,
		},
		RetainHistory:      c.RetainHistory,
		PrecomputeTomorrow: c.PrecomputeTomorrow,
	}, nil
}

func parseStrategy(b Breaks, classes int) (tariff.Strategy, error) {
	if classes < 0 {
		return nil, &tariff.ConfigError{Msg: fmt.Sprintf("bands must not be negative, got %d", classes)}
	}
	return tariff.ParseStrategy(b.Keyword, b.Thresholds, classes)
}

func parsePricing(exprs StringList) ([]tariff.Pricing, error) {
	out := make([]tariff.Pricing, len(exprs))
	for i, expr := range exprs {
		p, err := tariff.ParsePricing(expr)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (d *Direction) build() (tariff.Banding, tariff.Layout, error) {
	layout, err := tariff.ParseLayout(d.Layout)
	if err != nil {
		return tariff.Banding{}, "", err
	}
	strategy, err := parseStrategy(d.Breaks, d.Bands)
	if err != nil {
		return tariff.Banding{}, "", err
	}
	pricing, err := parsePricing(d.Pricing)
	if err != nil {
		return tariff.Banding{}, "", err
	}
	b := tariff.Banding{
		Strategy: strategy,
		Pricing:  pricing,
		Names:    d.Names,
	}
	if d.Plunge != nil {
		p := &tariff.PlungeBanding{Names: d.Plunge.Names}
		if !d.Plunge.Breaks.IsZero() {
			if p.Strategy, err = parseStrategy(d.Plunge.Breaks, d.Bands); err != nil {
				return tariff.Banding{}, "", fmt.Errorf("plunge: %w", err)
			}
		}
		if p.Pricing, err = parsePricing(d.Plunge.Pricing); err != nil {
			return tariff.Banding{}, "", fmt.Errorf("plunge: %w", err)
		}
		b.Plunge = p
	}
	if err := b.Validate(); err != nil {
		return tariff.Banding{}, "", err
	}
	return b, layout, nil
}
