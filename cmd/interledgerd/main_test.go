package main

import (
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := new(struct {
		Log struct {
			Level string `long:"level" env:"LEVEL" default:"info" description:"logging level"`
		} `group:"Logging" namespace:"log" env-namespace:"LOG"`

		Pair struct {
			Name string `long:"name" env:"NAME" default:"default" description:"label applied to this pair's metrics"`
		} `group:"Pair" namespace:"pair" env-namespace:"PAIR"`

		SQLite struct {
			Path string `long:"path" env:"PATH" default:"interledger.db" description:"path to the source-side SQLite database"`
		} `group:"SQLite Initiator" namespace:"sqlite" env-namespace:"SQLITE"`

		Metrics struct {
			Address string `long:"address" env:"ADDRESS" default:":9090" description:"address to serve /metrics on"`
		} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`
	})

	_, err := flags.ParseArgs(cfg, []string{})
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "default", cfg.Pair.Name)
	require.Equal(t, "interledger.db", cfg.SQLite.Path)
	require.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestConfigOverridesFromArgs(t *testing.T) {
	cfg := new(struct {
		Pair struct {
			Name string `long:"name" default:"default"`
		} `group:"Pair" namespace:"pair"`
	})

	_, err := flags.ParseArgs(cfg, []string{"--pair.name=atlantic-pacific"})
	require.NoError(t, err)
	require.Equal(t, "atlantic-pacific", cfg.Pair.Name)
}
