package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/ledger/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
device:
  device_id: device-1
  app_id: notes
sync:
  pages:
    - contacts
    - settings
  upload_enabled: true
  download_backoff_initial: 50ms
mesh:
  enabled: true
  bind_port: 7777
  seed_devices:
    - 10.0.0.2:7777
metrics:
  enabled: true
  port: 9200
logging:
  level: debug
  format: console
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "device-1", cfg.Device.DeviceID)
	assert.Equal(t, "notes", cfg.Device.AppID)
	assert.Equal(t, []string{"contacts", "settings"}, cfg.Sync.Pages)
	assert.True(t, cfg.Sync.UploadEnabled)
	assert.Equal(t, 50*time.Millisecond, cfg.Sync.DownloadBackoffInitial)
	assert.Equal(t, 7777, cfg.Mesh.BindPort)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
device:
  device_id: device-1
sync:
  pages:
    - contacts
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ledger", cfg.Device.AppID)
	assert.Equal(t, 30*time.Second, cfg.Device.ShutdownTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.DownloadBackoffInitial)
	assert.Equal(t, time.Minute, cfg.Sync.DownloadBackoffMax)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.UploadBackoffInitial)
	assert.Equal(t, time.Minute, cfg.Sync.UploadBackoffMax)
	assert.Equal(t, "last_one_wins", cfg.Merge.Policy)
	assert.Equal(t, 7946, cfg.Mesh.BindPort)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing device id",
			content: `
sync:
  pages: [contacts]
`,
		},
		{
			name: "no pages",
			content: `
device:
  device_id: device-1
`,
		},
		{
			name: "unknown merge policy",
			content: `
device:
  device_id: device-1
sync:
  pages: [contacts]
merge:
  policy: three_way
`,
		},
		{
			name: "bad mesh port",
			content: `
device:
  device_id: device-1
sync:
  pages: [contacts]
mesh:
  enabled: true
  bind_port: 70000
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
