package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trkdaq/config"
	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/health"
	"github.com/c360/trkdaq/input/trackervst"
	"github.com/c360/trkdaq/metric"
	"github.com/c360/trkdaq/natsclient"
	"github.com/c360/trkdaq/readout"
	"github.com/c360/trkdaq/testutil"
)

func noEnv(string) string { return "" }

func configFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trkdaq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platform:\n  org: mu2e\n  id: vst-1\n"), 0o600))
	return path
}

func TestParseFlags(t *testing.T) {
	path := configFile(t)
	var out bytes.Buffer

	cli, err := parseFlags([]string{"-c", path, "--log-level=debug", "--exit-on-finish=false"}, noEnv, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, cli.ConfigPaths)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Empty(t, cli.LogFormat, "format defers to the config file")
	assert.False(t, cli.ExitOnFinish)
	assert.Equal(t, 30*time.Second, cli.ShutdownTimeout)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	path := configFile(t)
	env := map[string]string{
		"TRKDAQ_CONFIG":           path,
		"TRKDAQ_LOG_FORMAT":       "text",
		"TRKDAQ_SHUTDOWN_TIMEOUT": "2s",
		"TRKDAQ_EXIT_ON_FINISH":   "nope",
	}
	cli, err := parseFlags(nil, func(k string) string { return env[k] }, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, []string{path}, cli.ConfigPaths)
	assert.Equal(t, "text", cli.LogFormat)
	assert.Equal(t, 2*time.Second, cli.ShutdownTimeout)
	assert.True(t, cli.ExitOnFinish, "unparseable values keep the default")
}

func TestParseFlags_Errors(t *testing.T) {
	path := configFile(t)
	tests := map[string][]string{
		"no config":        {},
		"missing file":     {"-c", filepath.Join(t.TempDir(), "nope.yaml")},
		"bad level":        {"-c", path, "--log-level=trace"},
		"bad format":       {"-c", path, "--log-format=xml"},
		"zero timeout":     {"-c", path, "--shutdown-timeout=0s"},
		"unknown flag":     {"-c", path, "--frobnicate"},
		"zero health tick": {"-c", path, "--health-interval=0s"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseFlags(args, noEnv, &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	var out bytes.Buffer
	cli, err := parseFlags([]string{"--help"}, noEnv, &out)
	require.NoError(t, err)
	assert.True(t, cli.ShowHelp)
	assert.Contains(t, out.String(), "--exit-on-finish")
}

func TestSetupLogger(t *testing.T) {
	var out bytes.Buffer
	logger := setupLogger(&out, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "board", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, appName, record["service"])
	assert.Equal(t, float64(3), record["board"])

	out.Reset()
	setupLogger(&out, "info", "text").Info("console line")
	assert.Contains(t, out.String(), "console line")
}

func TestNatsCheck(t *testing.T) {
	client, err := natsclient.NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	status := natsCheck(client)()
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, "nats", status.Component)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "text", firstNonEmpty("", "text", "json"))
	assert.Empty(t, firstNonEmpty("", ""))
}

func startReadout(t *testing.T, stallEvery int) []startedComponent {
	t.Helper()
	cfg := trackervst.DefaultConfig()
	cfg.BlockCountMax = 2
	cfg.EventsToGenerate = 3
	cfg.SimWindows = 4
	cfg.SimStallEvery = stallEvery
	cfg.MaxRetries = 1
	cfg.RegisterWrites = nil

	in := trackervst.NewInput(trackervst.InputDeps{
		Name:      "tracker-vst-sim0",
		Config:    cfg,
		Publisher: testutil.NewMockPublisher(),
		Logger:    setupLogger(io.Discard, "error", "json"),
	})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() { _ = in.Stop(time.Second) })
	return []startedComponent{{name: "tracker-vst-sim0", comp: in}}
}

func serveUntilFinished(t *testing.T, started []startedComponent) error {
	t.Helper()
	cli := &CLIConfig{ExitOnFinish: true, HealthInterval: 10 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := serve(ctx, cli, &config.Config{}, metric.NewMetricsRegistry(), health.NewMonitor(nil, nil),
		started, setupLogger(io.Discard, "error", "json"))
	require.NoError(t, ctx.Err(), "serve returned before the deadline")
	return err
}

func TestServe_ExitsCleanlyWhenReadoutsFinish(t *testing.T) {
	assert.NoError(t, serveUntilFinished(t, startReadout(t, 0)))
}

func TestServe_FatalReadoutFailsTheProcess(t *testing.T) {
	err := serveUntilFinished(t, startReadout(t, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, readout.ErrFetchExhaustedFirstBlock))
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "tracker-vst-sim0")
}
