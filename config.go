package lettermill

import (
	"fmt"
	"time"
)

// Config represents the main config
type Config struct {
	DB struct {
		Type string // "sqlite" or "bolt"
		Path string
	}

	HTTP struct {
		Addr   string
		Domain string
	}

	SMTP struct {
		Host     string
		Port     int
		Username string
		Password string
	}

	Newsletter struct {
		From    string
		Workers int
		Cron    struct {
			Spec string
		}
		Product struct {
			Name string
		}
		Token struct {
			Secret string
			TTL    time.Duration
		}
		Admin struct {
			Username     string
			PasswordHash string // bcrypt
		}
	}

	Sentry struct {
		DSN string
	}

	AMQP struct {
		URL   string
		Topic string
	}
}

// Default token lifetime and fan-out width, applied by Validate when unset.
const (
	DefaultTokenTTL = 48 * time.Hour
	DefaultWorkers  = 5
)

// Validate checks the config eagerly so a bad deployment fails at startup,
// before any component is constructed.
func (c *Config) Validate() error {
	switch c.DB.Type {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("db.type must be \"sqlite\" or \"bolt\", got %q", c.DB.Type)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if c.Newsletter.From == "" {
		return fmt.Errorf("newsletter.from is required")
	}
	if c.Newsletter.Token.Secret == "" {
		return fmt.Errorf("newsletter.token.secret is required")
	}
	if c.Newsletter.Admin.Username == "" || c.Newsletter.Admin.PasswordHash == "" {
		return fmt.Errorf("newsletter.admin.username and newsletter.admin.passwordhash are required")
	}
	if c.Newsletter.Token.TTL <= 0 {
		c.Newsletter.Token.TTL = DefaultTokenTTL
	}
	if c.Newsletter.Workers <= 0 {
		c.Newsletter.Workers = DefaultWorkers
	}
	return nil
}
