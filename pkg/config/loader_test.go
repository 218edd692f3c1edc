package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadConfigMergesEnvironments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: ":8080"
  shutdown_timeout: 10s
redis:
  addr: "${LOADER_TEST_REDIS}"
  password: "${LOADER_TEST_SECRET}"
log:
  level: info
`)
	writeFile(t, dir, "prod.yaml", `
log:
  level: warn
`)
	writeFile(t, dir, "secrets.env", `
# comment
LOADER_TEST_SECRET="from-file"
LOADER_TEST_REDIS=file:6379
`)
	t.Setenv("LOADER_TEST_REDIS", "env:6379")

	m, err := LoadConfig("prod", dir)
	require.NoError(t, err)

	var out struct {
		Server ServerConfig `yaml:"server"`
		Redis  RedisConfig  `yaml:"redis"`
		Log    LogConfig    `yaml:"log"`
	}
	require.NoError(t, Decode(m, &out))

	assert.Equal(t, ":8080", out.Server.Port)
	assert.Equal(t, 10*time.Second, out.Server.ShutdownTimeout)
	assert.Equal(t, "warn", out.Log.Level)
	// 系统环境变量优先于 secrets.env
	assert.Equal(t, "env:6379", out.Redis.Addr)
	assert.Equal(t, "from-file", out.Redis.Password)
	assert.True(t, out.Redis.Enabled())
}

func TestLoadConfigMissingEnvFileIsOptional(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "log:\n  level: info\n")

	m, err := LoadConfig("staging", dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"level": "info"}, m["log"])
}

func TestLoadConfigRequiresBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.ErrorContains(t, err, "base.yaml")
}

func TestUnsetPlaceholderBecomesEmpty(t *testing.T) {
	assert.Equal(t, "postgres://:@", substituteString("postgres://${LOADER_TEST_UNSET_A}:${LOADER_TEST_UNSET_B}@", nil))
}

func TestDSN(t *testing.T) {
	c := DBConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "subscan"}
	assert.Equal(t, "postgres://u:p@db:5432/subscan?sslmode=disable", c.DSN())
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("SERVICE_JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	var db DBConfig
	OverrideDBFromEnv(&db)
	assert.Equal(t, "pg", db.Host)
	assert.Equal(t, 6543, db.Port)

	var jwtCfg JWTConfig
	OverrideJWTFromEnv(&jwtCfg)
	assert.Equal(t, "s3cret", jwtCfg.Secret)

	var logCfg LogConfig
	OverrideLogFromEnv(&logCfg)
	assert.Equal(t, "debug", logCfg.Level)
}
