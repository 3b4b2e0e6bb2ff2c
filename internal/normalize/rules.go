package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
)

const (
	RuleRename    = "rename"
	RuleKeep      = "keep"
	RuleDrop      = "drop"
	RuleRequire   = "require"
	RuleConstant  = "constant"
	RuleScale     = "scale"
	RuleMid       = "mid"
	RuleTimestamp = "timestamp"
)

var nowFunc = time.Now

// RuleConfig describes one rule in configuration.
type RuleConfig struct {
	Type    string            `yaml:"type" json:"type"`
	Fields  []string          `yaml:"fields,omitempty" json:"fields,omitempty"`
	Mapping map[string]string `yaml:"mapping,omitempty" json:"mapping,omitempty"`
	Field   string            `yaml:"field,omitempty" json:"field,omitempty"`
	Value   any               `yaml:"value,omitempty" json:"value,omitempty"`
	Factor  string            `yaml:"factor,omitempty" json:"factor,omitempty"`
	Bid     string            `yaml:"bid,omitempty" json:"bid,omitempty"`
	Ask     string            `yaml:"ask,omitempty" json:"ask,omitempty"`
	Places  int32             `yaml:"places,omitempty" json:"places,omitempty"`
}

// RuleSetConfig describes a rule set in configuration.
type RuleSetConfig struct {
	ID    string       `yaml:"id" json:"id"`
	Rules []RuleConfig `yaml:"rules" json:"rules"`
}

// BuildRuleSet builds a rule set from configuration.
func BuildRuleSet(cfg RuleSetConfig) (*RuleSet, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		rule, err := Build(rc)
		if err != nil {
			return nil, errors.Wrapf(err, "rule set %s: rule %d", cfg.ID, i)
		}
		rules = append(rules, rule)
	}
	return NewRuleSet(cfg.ID, rules...)
}

// Build creates a rule from configuration.
func Build(cfg RuleConfig) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case RuleRename:
		return buildRename(cfg)
	case RuleKeep:
		return buildKeep(cfg)
	case RuleDrop:
		return buildDrop(cfg)
	case RuleRequire:
		return buildRequire(cfg)
	case RuleConstant:
		return buildConstant(cfg)
	case RuleScale:
		return buildScale(cfg)
	case RuleMid:
		return buildMid(cfg)
	case RuleTimestamp:
		return buildTimestamp(cfg)
	default:
		return nil, errors.Wrapf(exception.ErrInvalidRule, "unknown rule type %q", cfg.Type)
	}
}

func buildRename(cfg RuleConfig) (Rule, error) {
	if len(cfg.Mapping) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidRule, "rename: empty mapping")
	}
	mapping := make(map[string]string, len(cfg.Mapping))
	for from, to := range cfg.Mapping {
		if from == "" || to == "" {
			return nil, errors.Wrap(exception.ErrInvalidRule, "rename: empty field name")
		}
		mapping[from] = to
	}
	return NewRule(RuleRename, func(fields model.Fields) (bool, error) {
		moved := make(map[string]any, len(mapping))
		for from, to := range mapping {
			if v, ok := fields[from]; ok {
				moved[to] = v
				delete(fields, from)
			}
		}
		for k, v := range moved {
			fields[k] = v
		}
		return true, nil
	}), nil
}

func fieldSet(cfg RuleConfig) (map[string]struct{}, error) {
	if len(cfg.Fields) == 0 {
		return nil, errors.Wrapf(exception.ErrInvalidRule, "%s: no fields", cfg.Type)
	}
	set := make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if f == "" {
			return nil, errors.Wrapf(exception.ErrInvalidRule, "%s: empty field name", cfg.Type)
		}
		set[f] = struct{}{}
	}
	return set, nil
}

func buildKeep(cfg RuleConfig) (Rule, error) {
	keep, err := fieldSet(cfg)
	if err != nil {
		return nil, err
	}
	return NewRule(RuleKeep, func(fields model.Fields) (bool, error) {
		for k := range fields {
			if _, ok := keep[k]; !ok {
				delete(fields, k)
			}
		}
		return true, nil
	}), nil
}

func buildDrop(cfg RuleConfig) (Rule, error) {
	drop, err := fieldSet(cfg)
	if err != nil {
		return nil, err
	}
	return NewRule(RuleDrop, func(fields model.Fields) (bool, error) {
		for k := range drop {
			delete(fields, k)
		}
		return true, nil
	}), nil
}

// require filters messages lacking any of the fields.
func buildRequire(cfg RuleConfig) (Rule, error) {
	required, err := fieldSet(cfg)
	if err != nil {
		return nil, err
	}
	return NewRule(RuleRequire, func(fields model.Fields) (bool, error) {
		for k := range required {
			if v, ok := fields[k]; !ok || v == nil {
				return false, nil
			}
		}
		return true, nil
	}), nil
}

func buildConstant(cfg RuleConfig) (Rule, error) {
	if cfg.Field == "" {
		return nil, errors.Wrap(exception.ErrInvalidRule, "constant: empty field")
	}
	field, value := cfg.Field, cfg.Value
	return NewRule(RuleConstant, func(fields model.Fields) (bool, error) {
		fields[field] = value
		return true, nil
	}), nil
}

// scale multiplies each listed numeric field by factor. Absent fields are
// left alone.
func buildScale(cfg RuleConfig) (Rule, error) {
	targets := cfg.Fields
	if len(targets) == 0 && cfg.Field != "" {
		targets = []string{cfg.Field}
	}
	if len(targets) == 0 {
		return nil, errors.Wrap(exception.ErrInvalidRule, "scale: no fields")
	}
	factor, err := decimal.NewFromString(cfg.Factor)
	if err != nil {
		return nil, errors.Wrap(exception.ErrInvalidRule, "scale: invalid factor").With("factor", cfg.Factor)
	}
	places := cfg.Places
	return NewRule(RuleScale, func(fields model.Fields) (bool, error) {
		for _, f := range targets {
			v, ok := fields[f]
			if !ok || v == nil {
				continue
			}
			d, err := toDecimal(v)
			if err != nil {
				return false, errors.Wrapf(err, "field %s", f)
			}
			fields[f] = fromDecimal(d.Mul(factor), places, v)
		}
		return true, nil
	}), nil
}

// mid writes (bid+ask)/2 into field when both sides are present.
func buildMid(cfg RuleConfig) (Rule, error) {
	if cfg.Field == "" || cfg.Bid == "" || cfg.Ask == "" {
		return nil, errors.Wrap(exception.ErrInvalidRule, "mid: field, bid and ask are required")
	}
	field, bidField, askField, places := cfg.Field, cfg.Bid, cfg.Ask, cfg.Places
	two := decimal.NewFromInt(2)
	return NewRule(RuleMid, func(fields model.Fields) (bool, error) {
		bv, bok := fields[bidField]
		av, aok := fields[askField]
		if !bok || !aok || bv == nil || av == nil {
			return true, nil
		}
		bid, err := toDecimal(bv)
		if err != nil {
			return false, errors.Wrapf(err, "field %s", bidField)
		}
		ask, err := toDecimal(av)
		if err != nil {
			return false, errors.Wrapf(err, "field %s", askField)
		}
		fields[field] = fromDecimal(bid.Add(ask).Div(two), places, bv)
		return true, nil
	}), nil
}

// timestamp stamps field with the current unix milliseconds when absent.
func buildTimestamp(cfg RuleConfig) (Rule, error) {
	if cfg.Field == "" {
		return nil, errors.Wrap(exception.ErrInvalidRule, "timestamp: empty field")
	}
	field := cfg.Field
	return NewRule(RuleTimestamp, func(fields model.Fields) (bool, error) {
		if _, ok := fields[field]; !ok {
			fields[field] = nowFunc().UnixMilli()
		}
		return true, nil
	}), nil
}

var zero decimal.Decimal

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return zero, errors.Wrapf(exception.ErrInvalidArgument, "not a number: %q", n)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat(float64(n)), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case fmt.Stringer:
		return toDecimal(n.String())
	default:
		return zero, errors.Wrapf(exception.ErrInvalidArgument, "not a number: %T", v)
	}
}

// fromDecimal keeps string inputs as strings so exact vendor prices survive.
func fromDecimal(d decimal.Decimal, places int32, like any) any {
	if places > 0 {
		d = d.Round(places)
	}
	if _, ok := like.(string); ok {
		return d.String()
	}
	f, err := strconv.ParseFloat(d.String(), 64)
	if err != nil {
		return d.String()
	}
	return f
}
