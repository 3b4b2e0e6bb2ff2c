package ops

import (
	"testing"
	"time"

	"mdbroker/internal/model"
	"mdbroker/internal/session"
	"mdbroker/pkg/exception"
	"mdbroker/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load("../../config/broker.example.yaml")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Gateway.HTTPAddr)
	assert.Equal(t, "/tmp/mdbroker/broker.sock", cfg.Gateway.UDSPath)
	assert.Equal(t, "BUID", cfg.CanonicalScheme)
	require.Len(t, cfg.Aliases, 2)
	assert.Equal(t, model.NewCanonicalID("BUID", "EQ001"), cfg.Aliases[0].Canonical)
	assert.Equal(t, []model.ExternalID{
		model.NewExternalID("TICKER", "AAPL"),
		model.NewExternalID("ISIN", "US0378331005"),
	}, cfg.Aliases[0].IDs)

	assert.Equal(t, []string{"RAW", "STD"}, cfg.RuleSets.IDs())
	std, ok := cfg.RuleSets.Resolve("STD")
	require.True(t, ok)
	assert.Equal(t, 6, std.Len())

	assert.Equal(t, EntitlementFixed, cfg.Entitlement.Mode)
	assert.Len(t, cfg.Entitlement.Grants, 2)
	assert.Equal(t, time.Second, cfg.Entitlement.Timeout)

	assert.Equal(t, session.OverflowDropOldest, cfg.Session.Overflow)
	assert.Equal(t, 50.0, cfg.Session.RateLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Simulator.Interval)
	assert.Len(t, cfg.Simulator.Known, 2)
	assert.Equal(t, retry.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.2}, cfg.Subscription.Backoff)
	assert.True(t, cfg.Postgres.IsZero())
	assert.Equal(t, "mdbroker", cfg.Profiling.ApplicationName)
	assert.Equal(t, 30*time.Second, cfg.Profiling.ReportInterval)
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, defaultHTTPAddr, cfg.Gateway.HTTPAddr)
	assert.Equal(t, defaultCanonicalScheme, cfg.CanonicalScheme)
	assert.Equal(t, []string{"RAW"}, cfg.RuleSets.IDs())
	assert.Equal(t, EntitlementAllowAll, cfg.Entitlement.Mode)
	assert.Equal(t, session.OverflowDropOldest, cfg.Session.Overflow)
	assert.Equal(t, retry.DefaultBackoff(), cfg.Subscription.Backoff)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"listen": {"http": "", "uds": "/tmp/b.sock"}, ` +
		`"normalization": {"ruleSets": [{"id": "RAW"}]}, ` +
		`"entitlement": {"grants": [{"user": "bob", "identifier": "BUID~EQ001"}]}, ` +
		`"session": {"overflow": "disconnect"}}`))
	require.NoError(t, err)

	assert.Empty(t, cfg.Gateway.HTTPAddr)
	assert.Equal(t, "/tmp/b.sock", cfg.Gateway.UDSPath)
	assert.Equal(t, EntitlementFixed, cfg.Entitlement.Mode)
	assert.Equal(t, session.OverflowDisconnect, cfg.Session.Overflow)
}

func TestParseInvalid(t *testing.T) {
	testCases := []struct {
		desc string
		doc  string
	}{
		{desc: "not yaml", doc: "listen: ["},
		{desc: "no rule sets", doc: "identifiers: {canonicalScheme: BUID}"},
		{desc: "bad rule", doc: "normalization: {ruleSets: [{id: X, rules: [{type: nope}]}]}"},
		{desc: "bad alias", doc: "normalization: {ruleSets: [{id: RAW}]}\nidentifiers: {aliases: [{canonical: EQ1, ids: [AAPL]}]}"},
		{desc: "alias without canonical", doc: "normalization: {ruleSets: [{id: RAW}]}\nidentifiers: {aliases: [{ids: ['TICKER~AAPL']}]}"},
		{desc: "bad overflow", doc: "normalization: {ruleSets: [{id: RAW}]}\nsession: {overflow: block}"},
		{desc: "bad entitlement mode", doc: "normalization: {ruleSets: [{id: RAW}]}\nentitlement: {mode: ldap}"},
		{desc: "database entitlement without postgres", doc: "normalization: {ruleSets: [{id: RAW}]}\nentitlement: {mode: database}"},
		{desc: "database aliases without postgres", doc: "normalization: {ruleSets: [{id: RAW}]}\nidentifiers: {database: true}"},
		{desc: "no listener", doc: "normalization: {ruleSets: [{id: RAW}]}\nlisten: {http: ''}"},
		{desc: "bad known id", doc: "normalization: {ruleSets: [{id: RAW}]}\nupstream: {known: [EQ001]}"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestParseInvalidIsInvalidConfig(t *testing.T) {
	_, err := Parse([]byte("normalization: {ruleSets: [{id: RAW}]}\nsession: {overflow: block}"))
	require.True(t, errors.Is(err, exception.ErrInvalidConfig))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does-not-exist.yaml")
	require.Error(t, err)
}
