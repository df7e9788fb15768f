package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// These exercise the pure helpers only: New requires a live Dolt sql-server
// and is not covered by any test in this package.

func TestDSNIncludesParseTime(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 3307, User: "root", Database: "cluster"}
	cfg.applyDefaults()
	got := dsn(cfg, "cluster")
	assert.Contains(t, got, "parseTime=true")
	assert.Contains(t, got, "root@tcp(127.0.0.1:3307)/cluster")
}

func TestDSNIncludesPasswordWhenSet(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 3307, User: "root", Password: "secret", Database: "cluster"}
	cfg.applyDefaults()
	got := dsn(cfg, "cluster")
	assert.Contains(t, got, "root:secret@tcp")
}

func TestDSNIncludesTLSWhenEnabled(t *testing.T) {
	cfg := Config{Host: "127.0.0.1", Port: 3307, User: "root", Database: "cluster", TLS: true}
	cfg.applyDefaults()
	got := dsn(cfg, "cluster")
	assert.Contains(t, got, "tls=true")
}

func TestValidateIdentifierRejectsInjection(t *testing.T) {
	assert.NoError(t, validateIdentifier("cluster_prod"))
	assert.Error(t, validateIdentifier("cluster`; DROP TABLE x; --"))
	assert.Error(t, validateIdentifier(""))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 3307, cfg.Port)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "cluster", cfg.Database)
}

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, isDuplicateKeyErr(nil))
	assert.True(t, isDuplicateKeyErr(assertErr("Error 1062: Duplicate entry 'x' for key 'PRIMARY'")))
	assert.False(t, isDuplicateKeyErr(assertErr("connection refused")))
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
