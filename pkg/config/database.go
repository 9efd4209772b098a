package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the complete database URL (takes precedence if provided)
	URL string `env:"DATABASE_URL" yaml:"url"`

	Host     string `env:"DB_HOST" yaml:"host" default:"localhost"`
	Port     int    `env:"DB_PORT" yaml:"port" default:"5432"`
	Database string `env:"DB_NAME" yaml:"database" default:"telefeed"`
	Username string `env:"DB_USER" yaml:"username" default:"postgres"`
	Password string `env:"DB_PASSWORD" yaml:"password"`
	SSLMode  string `env:"DB_SSL_MODE" yaml:"sslmode" default:"disable"`

	MaxConnections   int           `env:"DB_MAX_CONNECTIONS" yaml:"max_connections" default:"10"`
	MinConnections   int           `env:"DB_MIN_CONNECTIONS" yaml:"min_connections" default:"1"`
	MaxIdleTime      time.Duration `env:"DB_MAX_IDLE_TIME" yaml:"max_idle_time" default:"5m"`
	MaxLifetime      time.Duration `env:"DB_MAX_LIFETIME" yaml:"max_lifetime" default:"30m"`
	ConnectTimeout   time.Duration `env:"DB_CONNECT_TIMEOUT" yaml:"connect_timeout" default:"10s"`
	StatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT" yaml:"statement_timeout" default:"30s"`
}

// GetConnectionString returns the database URL without pool settings.
func (d DatabaseConfig) GetConnectionString() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Database,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

func (d DatabaseConfig) Validate() error {
	var result error

	if d.URL == "" {
		if d.Host == "" {
			result = multierror.Append(result, fmt.Errorf("database host is required"))
		}
		if d.Port < 1 || d.Port > 65535 {
			result = multierror.Append(result, fmt.Errorf("database port must be between 1-65535, got %d", d.Port))
		}
		if d.Database == "" {
			result = multierror.Append(result, fmt.Errorf("database name is required"))
		}
		if d.Username == "" {
			result = multierror.Append(result, fmt.Errorf("database username is required"))
		}
	}

	if d.MaxConnections < 1 {
		result = multierror.Append(result, fmt.Errorf("max_connections must be positive, got %d", d.MaxConnections))
	}
	if d.MinConnections < 0 {
		result = multierror.Append(result, fmt.Errorf("min_connections must be non-negative, got %d", d.MinConnections))
	}
	if d.MinConnections > d.MaxConnections {
		result = multierror.Append(result, fmt.Errorf("min_connections (%d) cannot exceed max_connections (%d)", d.MinConnections, d.MaxConnections))
	}
	return result
}

// GetConnectionConfig returns the URL with pgxpool and timeout parameters
// appended, suitable for pgxpool.New.
func (d DatabaseConfig) GetConnectionConfig() string {
	base := d.GetConnectionString()
	params := url.Values{}
	params.Set("pool_max_conns", fmt.Sprint(d.MaxConnections))
	params.Set("pool_min_conns", fmt.Sprint(d.MinConnections))
	params.Set("pool_max_conn_idle_time", d.MaxIdleTime.String())
	params.Set("pool_max_conn_lifetime", d.MaxLifetime.String())
	params.Set("connect_timeout", fmt.Sprint(int(d.ConnectTimeout.Seconds())))
	params.Set("statement_timeout", fmt.Sprint(d.StatementTimeout.Milliseconds()))

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}
