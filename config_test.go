package lettermill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	c := &Config{}
	c.DB.Type = "sqlite"
	c.DB.Path = "lettermill.db"
	c.HTTP.Addr = ":8080"
	c.SMTP.Host = "smtp.example.com"
	c.Newsletter.From = "news@example.com"
	c.Newsletter.Token.Secret = "secret"
	c.Newsletter.Admin.Username = "operator"
	c.Newsletter.Admin.PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
	return c
}

func TestConfigValidate(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultTokenTTL, c.Newsletter.Token.TTL)
	assert.Equal(t, DefaultWorkers, c.Newsletter.Workers)
}

func TestConfigValidateFailsFast(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown db type", func(c *Config) { c.DB.Type = "oracle" }},
		{"missing db path", func(c *Config) { c.DB.Path = "" }},
		{"missing http addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"missing smtp host", func(c *Config) { c.SMTP.Host = "" }},
		{"missing from", func(c *Config) { c.Newsletter.From = "" }},
		{"missing token secret", func(c *Config) { c.Newsletter.Token.Secret = "" }},
		{"missing admin username", func(c *Config) { c.Newsletter.Admin.Username = "" }},
		{"missing admin password hash", func(c *Config) { c.Newsletter.Admin.PasswordHash = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
