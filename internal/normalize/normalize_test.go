package normalize

import (
	"testing"
	"time"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func TestRuleSetAppliesInOrder(t *testing.T) {
	var order []string
	tag := func(name string) Rule {
		return NewRule(name, func(f model.Fields) (bool, error) {
			order = append(order, name)
			f["last"] = name
			return true, nil
		})
	}
	rs, err := NewRuleSet("STD", tag("a"), tag("b"), tag("c"))
	require.NoError(t, err)

	out, ok, err := rs.Apply(model.Fields{"px": 1.0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, "c", out["last"])
	assert.Equal(t, []string{"a", "b", "c"}, rs.RuleNames())
}

func TestRuleSetDoesNotMutateInput(t *testing.T) {
	rs, err := BuildRuleSet(RuleSetConfig{
		ID: "STD",
		Rules: []RuleConfig{
			{Type: RuleRename, Mapping: map[string]string{"LAST": "price"}},
			{Type: RuleDrop, Fields: []string{"junk"}},
		},
	})
	require.NoError(t, err)

	raw := model.Fields{"LAST": 10.5, "junk": true}
	out, ok, err := rs.Apply(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Fields{"price": 10.5}, out)
	assert.Equal(t, model.Fields{"LAST": 10.5, "junk": true}, raw)
}

func TestRuleSetFilter(t *testing.T) {
	rs, err := BuildRuleSet(RuleSetConfig{
		ID:    "STRICT",
		Rules: []RuleConfig{{Type: RuleRequire, Fields: []string{"bid", "ask"}}},
	})
	require.NoError(t, err)

	_, ok, err := rs.Apply(model.Fields{"bid": 1})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = rs.Apply(model.Fields{"bid": 1, "ask": 2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRuleSetError(t *testing.T) {
	boom := errors.New("boom")
	rs, err := NewRuleSet("X", NewRule("fail", func(model.Fields) (bool, error) { return false, boom }))
	require.NoError(t, err)

	_, ok, err := rs.Apply(model.Fields{})
	assert.False(t, ok)
	assert.True(t, errors.Is(err, boom))
}

func TestEmptyRuleSetPassesThrough(t *testing.T) {
	rs, err := NewRuleSet("RAW")
	require.NoError(t, err)

	out, ok, err := rs.Apply(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, out)
}

func TestNewRuleSetInvalid(t *testing.T) {
	_, err := NewRuleSet(" ")
	assert.True(t, errors.Is(err, exception.ErrInvalidRule))

	_, err = NewRuleSet("X", nil)
	assert.True(t, errors.Is(err, exception.ErrInvalidRule))
}

func TestRegistry(t *testing.T) {
	std, err := NewRuleSet("STD")
	require.NoError(t, err)
	raw, err := NewRuleSet("RAW")
	require.NoError(t, err)

	reg, err := NewRegistry(std, raw)
	require.NoError(t, err)

	got, ok := reg.Resolve("STD")
	require.True(t, ok)
	assert.Same(t, std, got)

	_, ok = reg.Resolve("NOPE")
	assert.False(t, ok)

	assert.Equal(t, []string{"RAW", "STD"}, reg.IDs())

	dup, err := NewRuleSet("STD")
	require.NoError(t, err)
	assert.True(t, errors.Is(reg.Register(dup), exception.ErrDuplicateRuleSet))
	assert.True(t, errors.Is(reg.Register(nil), exception.ErrNilInstance))
}

func TestBuildRules(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	nowFunc = func() time.Time { return fixed }
	t.Cleanup(func() { nowFunc = time.Now })

	testCases := []struct {
		desc     string
		cfg      RuleConfig
		input    model.Fields
		expected model.Fields
	}{
		{
			desc:     "keep",
			cfg:      RuleConfig{Type: RuleKeep, Fields: []string{"bid", "ask"}},
			input:    model.Fields{"bid": 1.0, "ask": 2.0, "venue": "X"},
			expected: model.Fields{"bid": 1.0, "ask": 2.0},
		},
		{
			desc:     "constant",
			cfg:      RuleConfig{Type: RuleConstant, Field: "source", Value: "broker"},
			input:    model.Fields{},
			expected: model.Fields{"source": "broker"},
		},
		{
			desc:     "scale float",
			cfg:      RuleConfig{Type: RuleScale, Fields: []string{"px"}, Factor: "0.01"},
			input:    model.Fields{"px": 12345.0},
			expected: model.Fields{"px": 123.45},
		},
		{
			desc:     "scale string keeps string",
			cfg:      RuleConfig{Type: RuleScale, Field: "px", Factor: "100", Places: 2},
			input:    model.Fields{"px": "1.23456"},
			expected: model.Fields{"px": "123.46"},
		},
		{
			desc:     "scale int becomes float",
			cfg:      RuleConfig{Type: RuleScale, Field: "qty", Factor: "2"},
			input:    model.Fields{"qty": int32(5)},
			expected: model.Fields{"qty": 10.0},
		},
		{
			desc:     "scale skips missing",
			cfg:      RuleConfig{Type: RuleScale, Fields: []string{"px"}, Factor: "2"},
			input:    model.Fields{"qty": 1},
			expected: model.Fields{"qty": 1},
		},
		{
			desc:     "mid",
			cfg:      RuleConfig{Type: RuleMid, Field: "mid", Bid: "bid", Ask: "ask"},
			input:    model.Fields{"bid": 99.0, "ask": 101.0},
			expected: model.Fields{"bid": 99.0, "ask": 101.0, "mid": 100.0},
		},
		{
			desc:     "mid one side",
			cfg:      RuleConfig{Type: RuleMid, Field: "mid", Bid: "bid", Ask: "ask"},
			input:    model.Fields{"bid": 99.0},
			expected: model.Fields{"bid": 99.0},
		},
		{
			desc:     "timestamp",
			cfg:      RuleConfig{Type: RuleTimestamp, Field: "ts"},
			input:    model.Fields{},
			expected: model.Fields{"ts": fixed.UnixMilli()},
		},
		{
			desc:     "timestamp keeps existing",
			cfg:      RuleConfig{Type: RuleTimestamp, Field: "ts"},
			input:    model.Fields{"ts": int64(1)},
			expected: model.Fields{"ts": int64(1)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			rule, err := Build(tc.cfg)
			require.NoError(t, err)
			keep, err := rule.Apply(tc.input)
			require.NoError(t, err)
			require.True(t, keep)
			assert.Equal(t, tc.expected, tc.input)
		})
	}
}

func TestBuildInvalid(t *testing.T) {
	testCases := []struct {
		desc string
		cfg  RuleConfig
	}{
		{"unknown type", RuleConfig{Type: "explode"}},
		{"rename empty", RuleConfig{Type: RuleRename}},
		{"keep empty", RuleConfig{Type: RuleKeep}},
		{"scale bad factor", RuleConfig{Type: RuleScale, Field: "px", Factor: "x"}},
		{"mid incomplete", RuleConfig{Type: RuleMid, Field: "mid"}},
		{"constant no field", RuleConfig{Type: RuleConstant}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Build(tc.cfg)
			assert.True(t, errors.Is(err, exception.ErrInvalidRule))
		})
	}
}

func TestScaleRejectsNonNumeric(t *testing.T) {
	rule, err := Build(RuleConfig{Type: RuleScale, Field: "px", Factor: "2"})
	require.NoError(t, err)

	_, err = rule.Apply(model.Fields{"px": true})
	assert.True(t, errors.Is(err, exception.ErrInvalidArgument))
}
