package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
Provider:
  URL: "https://smshub.example.com/agent/api"
  APIKey: "secret"
Modems:
  Ports: ["/dev/ttyUSB0"]
`

func TestParseFillsDefaults(t *testing.T) {
	config, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddress, config.App.Addr)
	assert.Equal(t, DefaultRedisNamespace, config.Storage.Namespace)
	assert.Equal(t, DefaultDeliveryTopic+DefaultDLQTopicSuffix, config.NSQ.DLQTopic)
	assert.Equal(t, DefaultProviderUserAgent, config.Provider.UserAgent)
	assert.Equal(t, DefaultBaudRate, config.Modems.BaudRate)
	assert.Equal(t, time.Second, config.Modems.PollInterval)
	assert.Equal(t, 10*time.Second, config.Delivery.RetryInterval)
	assert.Zero(t, config.Delivery.MaxAttempts)
	assert.Equal(t, DefaultLogMaxSizeMB, config.App.LogMaxSizeMB)
}

func TestParseRejectsMissingProvider(t *testing.T) {
	_, err := Parse([]byte("Modems:\n  Ports: [\"/dev/ttyUSB0\"]\n"))
	assert.Error(t, err)
}

func TestParseRejectsUnknownCharset(t *testing.T) {
	_, err := Parse([]byte(minimalConfig + "  Charset: \"KOI8\"\n"))
	assert.Error(t, err)
}

func TestParseRejectsNegativeMaxAttempts(t *testing.T) {
	_, err := Parse([]byte(minimalConfig + "Delivery:\n  MaxAttempts: -1\n"))
	assert.Error(t, err)
}

func TestLoadShippedConfig(t *testing.T) {
	config, err := Load(filepath.Join("..", "..", "etc", "app.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, config.Modems.Ports)
	assert.True(t, config.Modems.AutoConnect)
	assert.Equal(t, "smshub-delivery.DLQ", config.NSQ.DLQTopic)
}

func TestMustLoadPanicsOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))

	assert.Panics(t, func() { MustLoad(path) })
}
