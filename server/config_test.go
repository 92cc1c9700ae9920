package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replhub/communication"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:8989", cfg.Listen)
	assert.Equal(t, 24*time.Hour, cfg.PurgeDelay)
	assert.Equal(t, 10000, cfg.QueueSize)
	assert.Equal(t, 100, cfg.WindowSize)
	assert.Equal(t, time.Second, cfg.AssuredTimeout)

	// a domain is the only thing with no default
	assert.Error(t, cfg.Validate())
	cfg.Domains = []string{"o=test"}
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Domains = []string{"o=test"}
		return cfg
	}
	for name, mutate := range map[string]func(*Config){
		"listen":          func(c *Config) { c.Listen = "nope" },
		"peer":            func(c *Config) { c.PeerHubs = []string{"127.0.0.1:99999"} },
		"server id":       func(c *Config) { c.ServerID = 0 },
		"empty domain":    func(c *Config) { c.Domains = []string{""} },
		"repeated domain": func(c *Config) { c.Domains = []string{"o=a", "o=a"} },
		"changelog dir":   func(c *Config) { c.ChangeLogDir = "" },
		"queue":           func(c *Config) { c.QueueSize = 0 },
		"window":          func(c *Config) { c.WindowSize = -1 },
		"duration":        func(c *Config) { c.AssuredTimeout = -time.Second },
		"half tls":        func(c *Config) { c.TLSCertFile = "cert.pem" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStartMissingKeyPair(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.TLSCertFile = filepath.Join(t.TempDir(), "cert.pem")
	cfg.TLSKeyFile = filepath.Join(t.TempDir(), "key.pem")
	_, err := Start(cfg)
	require.Error(t, err)
	assert.True(t, communication.IsKind(err, communication.BindError), "%v", err)
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeerHubs = []string{"a:1"}
	c := cfg.clone()
	c.PeerHubs[0] = "b:2"
	assert.Equal(t, "a:1", cfg.PeerHubs[0])
	assert.True(t, cfg.hasPeer("a:1"))
	assert.False(t, cfg.hasDomain("o=test"))
}
