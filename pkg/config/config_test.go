package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
serverAddr: ":8088"
metricsAddr: ":9088"
secretKey: "test-secret"
postgres:
  host: "localhost"
  port: "5432"
  dbname: "vms"
  user: "vms"
  password: "pass"
  sslmode: "disable"
  TimeZone: "Asia/Shanghai"
reconciler:
  workers: 8
notify:
  enable: true
  smtp:
    host: "mail.cnic.cn"
    port: 25
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	conf := &Config{}
	require.NoError(t, readConfig(path, conf))
	setDefaults(conf)

	assert.Equal(t, ":8088", conf.ServerAddr)
	assert.Equal(t, "localhost", conf.Postgres.Host)
	assert.Equal(t, 8, conf.Reconciler.Workers)
	// unset fields fall back to defaults
	assert.Equal(t, 20, conf.Reconciler.IntervalSec)
	assert.Equal(t, 30, conf.Reconciler.MaxAttempts)
	assert.Equal(t, 7, conf.Notify.AheadDays)
	assert.True(t, conf.Notify.Enable)
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serverAdr: \":8088\"\n"), 0o600))

	conf := &Config{}
	assert.Error(t, readConfig(path, conf))
}

func TestIsDebugMode(t *testing.T) {
	t.Setenv("VMS_DEBUG", "")
	assert.False(t, IsDebugMode())
	t.Setenv("VMS_DEBUG", "true")
	assert.True(t, IsDebugMode())
}
