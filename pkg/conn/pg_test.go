package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionDSN(t *testing.T) {
	testCases := []struct {
		desc     string
		opt      Option
		expected string
	}{
		{
			desc:     "defaults",
			opt:      Option{},
			expected: "postgres://localhost:5432?sslmode=disable",
		},
		{
			desc: "full",
			opt: Option{
				Host:     "db",
				Port:     6432,
				User:     "broker",
				Password: "secret",
				Database: "refdata",
				SSLMode:  "require",
				Params:   map[string]string{"application_name": "mdbroker", "": "skip"},
			},
			expected: "postgres://broker:secret@db:6432/refdata?application_name=mdbroker&sslmode=require",
		},
		{
			desc:     "user without password",
			opt:      Option{User: "broker", Database: "refdata"},
			expected: "postgres://broker@localhost:5432/refdata?sslmode=disable",
		},
		{
			desc:     "conn string wins",
			opt:      Option{Host: "ignored", ConnString: "host=db user=broker"},
			expected: "host=db user=broker",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			dsn, err := tc.opt.dsn()
			require.NoError(t, err)
			assert.Equal(t, tc.expected, dsn)
		})
	}
}

func TestOptionIsZero(t *testing.T) {
	assert.True(t, Option{}.IsZero())
	assert.True(t, Option{Port: 5432}.IsZero())
	assert.False(t, Option{Host: "db"}.IsZero())
	assert.False(t, Option{ConnString: "host=db"}.IsZero())
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.Nil(t, c.DB())
	assert.NoError(t, c.Close())
}
