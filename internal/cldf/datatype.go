package cldf

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Base identifies the primitive kind of a column datatype.
type Base int

const (
	BaseString Base = iota
	BaseDecimal
	BaseInteger
	BaseBoolean
)

// String returns the metadata spelling of the base kind.
func (b Base) String() string {
	switch b {
	case BaseString:
		return "string"
	case BaseDecimal:
		return "decimal"
	case BaseInteger:
		return "integer"
	case BaseBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// Datatype describes the value space of a column: a base kind plus optional
// constraints. The metadata document writes it either as a bare string
// ("string", "integer") or as an object with base, format and numeric bounds.
//
// It is a tagged variant: switch on Base and read the constraint fields that
// apply to that kind. String columns may carry a regular expression format,
// numeric columns inclusive minimum/maximum bounds, and boolean columns a
// literal pair such as "yes|no".
type Datatype struct {
	Base Base

	// Format is the compiled format regex for string columns.
	// Values must match it in full, not as a substring.
	Format *regexp.Regexp

	// Minimum and Maximum are inclusive bounds for decimal and integer columns.
	Minimum *decimal.Decimal
	Maximum *decimal.Decimal

	// TrueLiteral and FalseLiteral hold the accepted spellings when a boolean
	// column declares a "true|false" style format. Both empty means the
	// default set (true/false/1/0) applies.
	TrueLiteral  string
	FalseLiteral string
}

// rawDatatype is the wire shape of the object form.
type rawDatatype struct {
	Base    string     `json:"base"`
	Format  string     `json:"format"`
	Minimum flexNumber `json:"minimum"`
	Maximum flexNumber `json:"maximum"`
}

// UnmarshalJSON accepts both the bare-string and the object form.
func (d *Datatype) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		base, err := parseBase(name)
		if err != nil {
			return err
		}
		*d = Datatype{Base: base}
		return nil
	}

	var raw rawDatatype
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("datatype must be a string or an object: %w", err)
	}

	base, err := parseBase(raw.Base)
	if err != nil {
		return err
	}
	dt := Datatype{Base: base}

	if raw.Format != "" {
		switch base {
		case BaseBoolean:
			parts := strings.Split(raw.Format, "|")
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return fmt.Errorf("boolean format %q must name a true|false literal pair", raw.Format)
			}
			dt.TrueLiteral, dt.FalseLiteral = parts[0], parts[1]
		default:
			// Anchor the pattern so values must match in full.
			re, err := regexp.Compile("^(?:" + raw.Format + ")$")
			if err != nil {
				return fmt.Errorf("invalid format regex %q: %w", raw.Format, err)
			}
			dt.Format = re
		}
	}

	if raw.Minimum != "" {
		min, err := decimal.NewFromString(string(raw.Minimum))
		if err != nil {
			return fmt.Errorf("invalid minimum %q: %w", raw.Minimum, err)
		}
		dt.Minimum = &min
	}
	if raw.Maximum != "" {
		max, err := decimal.NewFromString(string(raw.Maximum))
		if err != nil {
			return fmt.Errorf("invalid maximum %q: %w", raw.Maximum, err)
		}
		dt.Maximum = &max
	}

	*d = dt
	return nil
}

// parseBase maps a metadata base name to its kind. A few aliases from the
// wider csvw vocabulary are folded into the four kinds the loader handles.
func parseBase(name string) (Base, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "string", "anyuri":
		return BaseString, nil
	case "decimal", "float", "double", "number":
		return BaseDecimal, nil
	case "integer", "int", "long":
		return BaseInteger, nil
	case "boolean":
		return BaseBoolean, nil
	default:
		return BaseString, fmt.Errorf("unsupported datatype base %q", name)
	}
}

// flexNumber accepts a JSON number or a JSON string holding a number.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = flexNumber(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected number or numeric string, got %s", data)
	}
	*n = flexNumber(num.String())
	return nil
}
