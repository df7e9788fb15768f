package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// ParseDSN turns a config.Config.StoreDSN string (the driver's own
// "user:password@tcp(host:port)/dbname?tls=true" format) into a Config,
// reusing the driver's parser rather than hand-rolling one.
func ParseDSN(raw string) (Config, error) {
	var cfg Config
	if raw == "" {
		return cfg, nil
	}

	parsed, err := mysqldriver.ParseDSN(raw)
	if err != nil {
		return cfg, fmt.Errorf("sqlstore: parse store-dsn: %w", err)
	}

	cfg.User = parsed.User
	cfg.Password = parsed.Passwd
	cfg.Database = parsed.DBName
	cfg.TLS = parsed.TLSConfig != "" && parsed.TLSConfig != "false"

	host, portStr, found := strings.Cut(parsed.Addr, ":")
	if !found {
		host = parsed.Addr
	}
	cfg.Host = host
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return cfg, fmt.Errorf("sqlstore: invalid port in store-dsn: %w", err)
		}
		cfg.Port = port
	}
	return cfg, nil
}
