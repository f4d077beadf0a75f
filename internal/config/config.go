package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Config describes the input log schema, engine tunables and the report
// template layout.
type Config struct {
	Source    SourceConfig  `yaml:"source"`
	Engine    EngineConfig  `yaml:"engine"`
	Variables []Variable    `yaml:"variables"`
	Daily     DailyLayout   `yaml:"daily"`
	Monthly   MonthlyLayout `yaml:"monthly"`
}

// SourceConfig describes the delimited interval log format.
type SourceConfig struct {
	HeaderRows   int      `yaml:"header_rows"`
	Delimiter    string   `yaml:"delimiter"`
	RecordColumn bool     `yaml:"record_column"`
	Timezone     string   `yaml:"timezone"`
	Channels     []string `yaml:"channels"`
}

// EngineConfig holds the reconciliation settings.
type EngineConfig struct {
	Convention     string        `yaml:"convention"`
	Cutoff         string        `yaml:"cutoff"`
	Tolerance      time.Duration `yaml:"tolerance"`
	GapPolicy      string        `yaml:"gap_policy"`
	FenceAnchor    string        `yaml:"fence_anchor"`
	ConflictPolicy string        `yaml:"conflict_policy"`
}

// Variable binds a report variable to one statistic of a logger channel.
type Variable struct {
	Name     string  `yaml:"name"`
	Channel  string  `yaml:"channel"`
	Field    string  `yaml:"field"` // min, max, avg or std
	Scale    float64 `yaml:"scale"`
	Decimals int     `yaml:"decimals"`

	// Plausible is the [min, max] range of believable values after scaling.
	// Values outside it raise Flag as a warning. Empty disables the check.
	Plausible []float64 `yaml:"plausible,flow,omitempty"`
	Flag      string    `yaml:"flag,omitempty"`
}

// DailyLayout is the hour x day sheet: one row per hour, 31 columns per variable.
type DailyLayout struct {
	Kind      string        `yaml:"kind"`
	FirstRow  int           `yaml:"first_row"`
	MaxRow    int           `yaml:"max_row"`
	MaxColumn string        `yaml:"max_column"`
	Columns   []DailyColumn `yaml:"columns"`
}

// DailyColumn anchors a variable's day block. BaseDay is the day that lands
// on BaseColumn; it defaults to 1.
type DailyColumn struct {
	Variable   string `yaml:"variable"`
	BaseColumn string `yaml:"base_column"`
	BaseDay    int    `yaml:"base_day"`
}

// MonthlyLayout is the day x statistic sheet split into row bands.
type MonthlyLayout struct {
	Kind      string         `yaml:"kind"`
	MaxRow    int            `yaml:"max_row"`
	MaxColumn string         `yaml:"max_column"`
	Bands     map[string]int `yaml:"bands"`
	Blocks    []MonthlyBlock `yaml:"blocks"`
}

// MonthlyBlock places a variable's min/max/avg/outliers columns in a band.
type MonthlyBlock struct {
	Variable   string `yaml:"variable"`
	Band       string `yaml:"band"`
	BaseColumn string `yaml:"base_column"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded default is invalid: %v", err))
	}
	cfg.normalize()
	return cfg
}

// LoadFile overlays the YAML file at path on the defaults. An empty path
// returns the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return Parse(bs)
}

// Parse overlays raw YAML on the defaults and validates the result.
func Parse(bs []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) normalize() {
	if c.Source.Delimiter == "" {
		c.Source.Delimiter = ","
	}
	if c.Source.Timezone == "" {
		c.Source.Timezone = "UTC"
	}
	if c.Engine.Cutoff == "" {
		c.Engine.Cutoff = "00:00"
	}
	for i := range c.Variables {
		v := &c.Variables[i]
		if v.Field == "" {
			v.Field = "avg"
		}
		if v.Scale == 0 {
			v.Scale = 1
		}
		if len(v.Plausible) > 0 && v.Flag == "" {
			v.Flag = v.Name + "_out_of_range"
		}
	}
	for i := range c.Daily.Columns {
		if c.Daily.Columns[i].BaseDay == 0 {
			c.Daily.Columns[i].BaseDay = 1
		}
	}
}

// Validate performs structural checks. Column letters and band rows are
// checked again when the layout mapper is built.
func (c Config) Validate() error {
	if c.Source.HeaderRows < 0 {
		return fmt.Errorf("source.header_rows must be >= 0")
	}
	if len([]rune(c.Source.Delimiter)) != 1 {
		return fmt.Errorf("source.delimiter must be a single character")
	}
	if len(c.Source.Channels) == 0 {
		return fmt.Errorf("source.channels cannot be empty")
	}
	if _, err := time.LoadLocation(c.Source.Timezone); err != nil {
		return fmt.Errorf("source.timezone: %w", err)
	}
	if c.Engine.Tolerance < 0 {
		return fmt.Errorf("engine.tolerance must be >= 0")
	}
	if len(c.Variables) == 0 {
		return fmt.Errorf("variables cannot be empty")
	}

	channels := make(map[string]bool, len(c.Source.Channels))
	for _, ch := range c.Source.Channels {
		channels[ch] = true
	}
	names := make(map[string]bool, len(c.Variables))
	for _, v := range c.Variables {
		if v.Name == "" {
			return fmt.Errorf("variables: name is required")
		}
		if names[v.Name] {
			return fmt.Errorf("variables: duplicate name %q", v.Name)
		}
		names[v.Name] = true
		if !channels[v.Channel] {
			return fmt.Errorf("variable %s: unknown channel %q", v.Name, v.Channel)
		}
		switch v.Field {
		case "min", "max", "avg", "std":
		default:
			return fmt.Errorf("variable %s: field must be min, max, avg or std", v.Name)
		}
		if v.Decimals < 0 {
			return fmt.Errorf("variable %s: decimals must be >= 0", v.Name)
		}
		switch {
		case len(v.Plausible) == 0:
		case len(v.Plausible) != 2:
			return fmt.Errorf("variable %s: plausible must be [min, max]", v.Name)
		case v.Plausible[0] > v.Plausible[1]:
			return fmt.Errorf("variable %s: plausible min %g above max %g", v.Name, v.Plausible[0], v.Plausible[1])
		}
	}

	for _, col := range c.Daily.Columns {
		if !names[col.Variable] {
			return fmt.Errorf("daily.columns: unknown variable %q", col.Variable)
		}
		if col.BaseDay < 1 || col.BaseDay > 31 {
			return fmt.Errorf("daily.columns %s: base_day must be in 1..31", col.Variable)
		}
	}
	for _, blk := range c.Monthly.Blocks {
		if !names[blk.Variable] {
			return fmt.Errorf("monthly.blocks: unknown variable %q", blk.Variable)
		}
		if _, ok := c.Monthly.Bands[blk.Band]; !ok {
			return fmt.Errorf("monthly.blocks %s: unknown band %q", blk.Variable, blk.Band)
		}
	}
	return nil
}

// Location resolves the source timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Source.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// VariableNames returns the configured variable names in order.
func (c Config) VariableNames() []string {
	out := make([]string, 0, len(c.Variables))
	for _, v := range c.Variables {
		out = append(out, v.Name)
	}
	return out
}

// Variable looks up a variable by name.
func (c Config) Variable(name string) (Variable, bool) {
	for _, v := range c.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}
