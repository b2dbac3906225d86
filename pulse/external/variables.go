package external

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/pulse/duedate"
)

// VariableType names the declared type of a result variable.
type VariableType string

const (
	TypeString        VariableType = "string"
	TypeInteger       VariableType = "integer"
	TypeLong          VariableType = "long"
	TypeShort         VariableType = "short"
	TypeDouble        VariableType = "double"
	TypeBoolean       VariableType = "boolean"
	TypeDate          VariableType = "date"
	TypeInstant       VariableType = "instant"
	TypeLocalDate     VariableType = "localDate"
	TypeLocalDateTime VariableType = "localDateTime"
	TypeJSON          VariableType = "json"
)

// Variable is a typed value a worker hands back with complete, terminate or bpmnError.
type Variable struct {
	Name  string          `json:"name"`
	Type  VariableType    `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// localDateTimeLayouts are tried in order for localDateTime values.
var localDateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Validate checks that the value can be read as the declared type. A missing
// or null value is accepted for every type.
func (v Variable) Validate() error {
	if v.Name == "" {
		return errors.NewValidationf("Variable name is required")
	}
	raw := bytes.TrimSpace(v.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if v.Type == "" {
			return errors.NewValidationf("Variable %s has no type", v.Name)
		}
		if !v.Type.known() {
			return errors.NewValidationf("Variable %s has unsupported type %s", v.Name, v.Type)
		}
		return nil
	}

	switch v.Type {
	case TypeString:
		var s string
		return v.decode(raw, &s)
	case TypeInteger:
		return v.integer(raw, math.MinInt32, math.MaxInt32)
	case TypeShort:
		return v.integer(raw, math.MinInt16, math.MaxInt16)
	case TypeLong:
		return v.integer(raw, math.MinInt64, math.MaxInt64)
	case TypeDouble:
		var f float64
		return v.decode(raw, &f)
	case TypeBoolean:
		var b bool
		return v.decode(raw, &b)
	case TypeDate, TypeInstant:
		return v.timestamp(raw, func(s string) error {
			_, err := duedate.ParseInstant(s)
			return err
		})
	case TypeLocalDate:
		return v.timestamp(raw, func(s string) error {
			_, err := time.Parse(time.DateOnly, s)
			return err
		})
	case TypeLocalDateTime:
		return v.timestamp(raw, func(s string) error {
			var err error
			for _, layout := range localDateTimeLayouts {
				if _, err = time.Parse(layout, s); err == nil {
					return nil
				}
			}
			return err
		})
	case TypeJSON:
		if !json.Valid(raw) {
			return errors.NewValidationf("Variable %s is not valid json", v.Name)
		}
		return nil
	case "":
		return errors.NewValidationf("Variable %s has no type", v.Name)
	default:
		return errors.NewValidationf("Variable %s has unsupported type %s", v.Name, v.Type)
	}
}

func (t VariableType) known() bool {
	switch t {
	case TypeString, TypeInteger, TypeLong, TypeShort, TypeDouble, TypeBoolean,
		TypeDate, TypeInstant, TypeLocalDate, TypeLocalDateTime, TypeJSON:
		return true
	}
	return false
}

func (v Variable) decode(raw []byte, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.WithDetail(
			errors.NewValidationf("Variable %s is not a valid %s", v.Name, v.Type),
			err.Error())
	}
	return nil
}

func (v Variable) integer(raw []byte, lo, hi int64) error {
	var n json.Number
	if err := v.decode(raw, &n); err != nil {
		return err
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil || i < lo || i > hi {
		return errors.NewValidationf("Variable %s value %s is out of range for %s", v.Name, n, v.Type)
	}
	return nil
}

func (v Variable) timestamp(raw []byte, parse func(string) error) error {
	var s string
	if err := v.decode(raw, &s); err != nil {
		return err
	}
	if err := parse(s); err != nil {
		return errors.WithDetail(
			errors.NewValidationf("Variable %s value %q is not a valid %s", v.Name, s, v.Type),
			err.Error())
	}
	return nil
}

// ValidateVariables checks every variable and rejects duplicate names.
func ValidateVariables(vars []Variable) error {
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if err := v.Validate(); err != nil {
			return err
		}
		if seen[v.Name] {
			return errors.NewValidationf("Variable %s is given more than once", v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}
