// internal/config/database.go
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// DefaultApplicationName tags the licensing core's sessions in pg_stat_activity.
const DefaultApplicationName = "imi-licensing"

// DSN renders the libpq keyword/value connection string. A configured URL
// wins over the discrete fields. An empty SSL mode means "require".
func (d *DatabaseConfig) DSN() (string, error) {
	if d.URL != "" {
		dsn, err := pq.ParseURL(d.URL)
		if err != nil {
			return "", fmt.Errorf("invalid database url: %w", err)
		}
		if !strings.Contains(dsn, "application_name=") {
			dsn += " application_name=" + quoteDSNValue(d.applicationName())
		}
		return dsn, nil
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	pairs := [][2]string{
		{"host", d.Host},
		{"port", d.Port},
		{"user", d.User},
		{"password", d.Password},
		{"dbname", d.Database},
		{"sslmode", sslMode},
		{"application_name", d.applicationName()},
	}
	if d.ConnectTimeout > 0 {
		pairs = append(pairs, [2]string{"connect_timeout", strconv.Itoa(d.ConnectTimeout)})
	}

	parts := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		parts = append(parts, kv[0]+"="+quoteDSNValue(kv[1]))
	}
	return strings.Join(parts, " "), nil
}

func (d *DatabaseConfig) applicationName() string {
	if d.ApplicationName == "" {
		return DefaultApplicationName
	}
	return d.ApplicationName
}

// quoteDSNValue applies libpq quoting: values with spaces, quotes or
// backslashes are single-quoted with ' and \ escaped.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
