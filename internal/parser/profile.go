package parser

import (
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Profile holds the tunable heuristics of schema inference.
// The thresholds are empirical; the order of the time tiers is not tunable.
type Profile struct {
	TimeNamePattern string          `yaml:"time_name_pattern"`
	NameBonus       float64         `yaml:"name_bonus"`
	DirectThreshold float64         `yaml:"direct_threshold"`
	ClockThreshold  float64         `yaml:"clock_threshold"`
	SeriesCoverage  float64         `yaml:"series_coverage"`
	AllowRowIndex   bool            `yaml:"allow_row_index"`
	Composite       CompositeTokens `yaml:"composite"`

	nameRe *regexp.Regexp
}

// CompositeTokens lists header substrings that identify date-part columns.
type CompositeTokens struct {
	Year   []string `yaml:"year"`
	Month  []string `yaml:"month"`
	Day    []string `yaml:"day"`
	Hour   []string `yaml:"hour"`
	Minute []string `yaml:"minute"`
	Second []string `yaml:"second"`
}

// DefaultProfile returns the stock heuristics.
func DefaultProfile() *Profile {
	p := &Profile{
		TimeNamePattern: `(?i)^(?:time|timestamp|date|datetime|ts)$`,
		NameBonus:       0.2,
		DirectThreshold: 0.5,
		ClockThreshold:  0.7,
		SeriesCoverage:  0.3,
		AllowRowIndex:   true,
		Composite: CompositeTokens{
			Year:   []string{"year", "yr", "yyyy"},
			Month:  []string{"month", "mon", "mm"},
			Day:    []string{"day", "dd", "date"},
			Hour:   []string{"hour", "hr", "hh"},
			Minute: []string{"minute", "min", "mi"},
			Second: []string{"second", "sec", "ss"},
		},
	}
	p.nameRe = regexp.MustCompile(p.TimeNamePattern)
	return p
}

// LoadProfile reads a YAML profile. Keys absent from the file keep their defaults.
func LoadProfile(filePath string) (*Profile, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return LoadProfileFromReader(file)
}

// LoadProfileFromReader parses a YAML profile from an io.Reader.
func LoadProfileFromReader(r io.Reader) (*Profile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) compile() error {
	re, err := regexp.Compile(p.TimeNamePattern)
	if err != nil {
		return fmt.Errorf("invalid time_name_pattern %q: %w", p.TimeNamePattern, err)
	}
	for name, v := range map[string]float64{
		"direct_threshold": p.DirectThreshold,
		"clock_threshold":  p.ClockThreshold,
		"series_coverage":  p.SeriesCoverage,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if len(p.Composite.Year) == 0 || len(p.Composite.Month) == 0 || len(p.Composite.Day) == 0 {
		return fmt.Errorf("composite year, month and day tokens are required")
	}
	p.nameRe = re
	return nil
}

// nameHint reports whether a header name looks like a timestamp column.
func (p *Profile) nameHint(header string) bool {
	re := p.nameRe
	if re == nil {
		re = regexp.MustCompile(p.TimeNamePattern)
	}
	return re.MatchString(header)
}
