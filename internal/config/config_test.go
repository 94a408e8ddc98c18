package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceConfig(t *testing.T) {
	t.Run("empty service config", func(t *testing.T) {
		cfg := ServiceConfig{}
		assert.Empty(t, cfg.ID)
	})

	t.Run("service config with ID", func(t *testing.T) {
		cfg := ServiceConfig{ID: "org.plantd.JobBroker"}
		assert.Equal(t, "org.plantd.JobBroker", cfg.ID)
	})
}

func TestLokiConfig(t *testing.T) {
	t.Run("empty loki config", func(t *testing.T) {
		cfg := LokiConfig{}
		assert.Empty(t, cfg.Address)
		assert.Nil(t, cfg.Labels)
	})

	t.Run("loki config with values", func(t *testing.T) {
		cfg := LokiConfig{
			Address: "http://localhost:3100",
			Labels:  map[string]string{"service": "jobbroker"},
		}
		assert.Equal(t, "http://localhost:3100", cfg.Address)
		assert.Equal(t, "jobbroker", cfg.Labels["service"])
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "jobqueue", cfg.QueueName)
	assert.Equal(t, 9797, cfg.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "text", cfg.Log.Formatter)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Port = 9797
	assert.Equal(t, "tcp://*:9797", cfg.Endpoint())
}

func TestValidate(t *testing.T) {
	t.Run("rejects an out-of-range port", func(t *testing.T) {
		cfg := Default()
		cfg.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects a non-positive heartbeat interval", func(t *testing.T) {
		cfg := Default()
		cfg.HeartbeatIntervalSec = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects an unknown store backend", func(t *testing.T) {
		cfg := Default()
		cfg.Store.Backend = "postgres"
		assert.Error(t, cfg.Validate())
	})

	t.Run("requires a badger path when backend is badger", func(t *testing.T) {
		cfg := Default()
		cfg.Store.Backend = "badger"
		cfg.Store.BadgerPath = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("accepts a badger backend with a path", func(t *testing.T) {
		cfg := Default()
		cfg.Store.Backend = "badger"
		cfg.Store.BadgerPath = "./data/broker"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("falls back to defaults when the file is absent", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default().Port, cfg.Port)
	})

	t.Run("file settings override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobbroker.yaml")
		require.NoError(t, os.WriteFile(path, []byte("port: 9999\nqueue_name: custom\n"), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Port)
		assert.Equal(t, "custom", cfg.QueueName)
	})

	t.Run("rejects a file whose settings fail validation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobbroker.yaml")
		require.NoError(t, os.WriteFile(path, []byte("port: 0\n"), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9797\n"), 0o644))

	changes := make(chan *Config, 1)
	errs := make(chan error, 1)

	initial, err := Watch(path, func(cfg *Config, err error) {
		if err != nil {
			errs <- err
			return
		}
		changes <- cfg
	})
	require.NoError(t, err)
	assert.Equal(t, 9797, initial.Port)

	require.NoError(t, os.WriteFile(path, []byte("port: 9798\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 9798, cfg.Port)
	case err := <-errs:
		t.Fatalf("unexpected reload error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a config reload notification but got none")
	}
}
