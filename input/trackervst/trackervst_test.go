package trackervst

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trkdaq/component"
	"github.com/c360/trkdaq/config"
	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/metric"
	"github.com/c360/trkdaq/natsclient"
	"github.com/c360/trkdaq/output/rawfile"
	"github.com/c360/trkdaq/pkg/retry"
	"github.com/c360/trkdaq/readout"
	mocks "github.com/c360/trkdaq/testutil"
	"github.com/c360/trkdaq/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockCountMax = 2
	cfg.EventsToGenerate = 5
	cfg.SimWindows = 8
	cfg.SimSubEvents = 2
	cfg.SimPayloadBytes = 16
	cfg.ProgressLogEvery = 1
	cfg.RegisterWrites = nil
	return cfg
}

func newTestInput(t *testing.T, cfg Config, pub Publisher, registry *metric.MetricsRegistry) *Input {
	t.Helper()
	in := NewInput(InputDeps{
		Config:          cfg,
		Publisher:       pub,
		MetricsRegistry: registry,
		Logger:          quietLogger(),
		Getenv:          func(string) string { return "" },
	})
	in.retryConfig = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	require.NoError(t, in.Initialize())
	return in
}

func waitDone(t *testing.T, in *Input) {
	t.Helper()
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("readout did not finish")
	}
}

func decode(t *testing.T, msg mocks.PublishedMsg) *readout.Container {
	t.Helper()
	c, err := readout.DecodeContainer(msg.Data)
	require.NoError(t, err)
	return c
}

func seqString(c *readout.Container) string {
	return strconv.FormatUint(c.SequenceID, 10)
}

func TestInput_PublishesUntilEndOfStream(t *testing.T) {
	pub := mocks.NewMockPublisher()
	in := newTestInput(t, testConfig(), pub, nil)

	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)

	msgs := pub.Messages()
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		c := decode(t, msg)
		assert.Equal(t, "daq.tracker.fragments", msg.Subject)
		assert.False(t, msg.Stream)
		assert.Equal(t, uint64(i+1), c.SequenceID)
		assert.Equal(t, 2, c.BlockCount)
		assert.Equal(t, 2*2*16, c.Used())
		assert.Equal(t, msg.Header.Get(HeaderSequence), seqString(c))
		assert.Equal(t, "0", msg.Header.Get(HeaderBoard))
		assert.True(t, strings.HasSuffix(msg.Header.Get(nats.MsgIdHdr), "-"+seqString(c)))
		assert.Empty(t, msg.Header.Get(HeaderEmpty))
	}

	health := in.Health()
	assert.True(t, health.Healthy)
	assert.Zero(t, health.ErrorCount)
	assert.NoError(t, in.Err())
	assert.Positive(t, in.DataFlow().MessagesPerSecond)

	require.NoError(t, in.Stop(time.Second))
	assert.Equal(t, component.StateStopped, in.state)
	sim, ok := in.Device().(*dtc.Simulator)
	require.True(t, ok)
	assert.Empty(t, sim.Requests(), "no CFO requests with sim_mode disabled")
	detector, cfo := sim.EmulatorsEnabled()
	assert.False(t, detector)
	assert.False(t, cfo)
}

func TestInput_SimModeServesOnlyRequestedWindows(t *testing.T) {
	cfg := testConfig()
	cfg.SimMode = "tracker"
	cfg.EventsToGenerate = 3

	pub := mocks.NewMockPublisher()
	in := newTestInput(t, cfg, pub, nil)
	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)
	require.NoError(t, in.Stop(time.Second))
	require.NoError(t, in.Err())

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	for _, msg := range msgs {
		assert.Equal(t, 2, decode(t, msg).BlockCount)
	}

	sim, ok := in.Device().(*dtc.Simulator)
	require.True(t, ok)
	requests := sim.Requests()
	require.Len(t, requests, 3, "one range request per real cycle")
	for k, req := range requests {
		assert.True(t, req.Unbounded())
		assert.Equal(t, uint64(2*k), req.Start.Raw())
	}
}

func TestInput_RestartAfterFinishStartsNewSession(t *testing.T) {
	cfg := testConfig()
	cfg.EventsToGenerate = 2

	pub := mocks.NewMockPublisher()
	in := newTestInput(t, cfg, pub, nil)

	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)
	first := in.Done()

	require.NoError(t, in.Start(context.Background()))
	assert.NotEqual(t, first, in.Done(), "Start after the loop ended begins a new run")
	waitDone(t, in)
	require.NoError(t, in.Stop(time.Second))

	msgs := pub.Messages()
	require.Len(t, msgs, 4)
	session := func(msg mocks.PublishedMsg) string {
		return strings.TrimSuffix(msg.Header.Get(nats.MsgIdHdr), "-"+seqString(decode(t, msg)))
	}
	assert.Equal(t, session(msgs[0]), session(msgs[1]))
	assert.Equal(t, session(msgs[2]), session(msgs[3]))
	assert.NotEqual(t, session(msgs[0]), session(msgs[2]))
	assert.Equal(t, uint64(1), decode(t, msgs[2]).SequenceID)
}

func TestInput_JetStreamUsesSessionMsgIDs(t *testing.T) {
	cfg := testConfig()
	cfg.Stream = "TRKDAQ"
	cfg.EventsToGenerate = 3

	pub := mocks.NewMockPublisher()
	in := newTestInput(t, cfg, pub, nil)

	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)
	require.NoError(t, in.Stop(time.Second))

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	seen := map[string]bool{}
	for _, msg := range msgs {
		assert.True(t, msg.Stream)
		assert.Equal(t, in.session+"-"+seqString(decode(t, msg)), msg.MsgID)
		seen[msg.MsgID] = true
	}
	assert.Len(t, seen, 3)
}

func TestInput_FillersForOtherBoards(t *testing.T) {
	cfg := testConfig()
	cfg.BoardID = 1
	cfg.FragmentReceiverCount = 2
	cfg.SendEmptyFragments = true
	cfg.EventsToGenerate = 6

	pub := mocks.NewMockPublisher()
	registry := metric.NewMetricsRegistry()
	in := newTestInput(t, cfg, pub, registry)

	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)
	require.NoError(t, in.Stop(time.Second))

	msgs := pub.Messages()
	require.Len(t, msgs, 6)
	for _, msg := range msgs {
		c := decode(t, msg)
		if c.SequenceID%2 == 1 {
			assert.False(t, c.Empty, "board 1 owns odd sequence ids")
			assert.Equal(t, 2, c.BlockCount)
		} else {
			assert.True(t, c.Empty)
			assert.Equal(t, "true", msg.Header.Get(HeaderEmpty))
		}
	}

	assert.Equal(t, int64(3), in.fillers.Load())
	assert.Equal(t, int64(3), in.containers.Load())
	assert.Equal(t, float64(3), testutil.ToFloat64(in.metrics.fillers))
	assert.Equal(t, float64(3), testutil.ToFloat64(in.metrics.containers))
	assert.Equal(t, float64(6), testutil.ToFloat64(in.metrics.timestampCount))
}

func TestInput_RawOutputMirrorsPayload(t *testing.T) {
	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			cfg := testConfig()
			cfg.RawOutputEnable = true
			cfg.RawOutputFile = filepath.Join(t.TempDir(), "vst.bin")
			cfg.RawOutputCompression = compression

			pub := mocks.NewMockPublisher()
			in := newTestInput(t, cfg, pub, nil)

			require.NoError(t, in.Start(context.Background()))
			waitDone(t, in)
			require.NoError(t, in.Stop(time.Second))

			var want []byte
			for _, msg := range pub.Messages() {
				want = append(want, decode(t, msg).Bytes...)
			}

			c, err := rawfile.ParseCompression(compression)
			require.NoError(t, err)
			r, err := rawfile.OpenReader(cfg.RawOutputFile, c)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestInput_PublishRetryAndFailure(t *testing.T) {
	cfg := testConfig()
	cfg.EventsToGenerate = 2

	pub := mocks.NewMockPublisher()
	pub.FailNext = 2 // absorbed by retry on the first container
	registry := metric.NewMetricsRegistry()
	in := newTestInput(t, cfg, pub, registry)

	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)
	require.NoError(t, in.Stop(time.Second))

	assert.Equal(t, 2, pub.Count())
	assert.Zero(t, in.publishErrors.Load())

	pub2 := mocks.NewMockPublisher()
	pub2.Close()
	in2 := newTestInput(t, cfg, pub2, nil)
	require.NoError(t, in2.Start(context.Background()))
	waitDone(t, in2)

	assert.Equal(t, int64(2), in2.publishErrors.Load(), "publish failures do not stop the readout")
	health := in2.Health()
	assert.True(t, health.Healthy)
	assert.Equal(t, 2, health.ErrorCount)
	require.NoError(t, in2.Stop(time.Second))
}

func TestMetrics_InstanceLabels(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	for device, events := range map[string]uint64{"dtc0": 5, "dtc1": 2} {
		cfg := testConfig()
		cfg.Device = device
		cfg.EventsToGenerate = events
		in := newTestInput(t, cfg, mocks.NewMockPublisher(), registry)
		require.NoError(t, in.Start(context.Background()))
		waitDone(t, in)
		require.NoError(t, in.Stop(time.Second))
	}

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	mf := byName["trkdaq_vst_containers_total"]
	require.NotNil(t, mf)
	assert.Equal(t, dto.MetricType_COUNTER, mf.GetType())
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "instance" {
				got[lp.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{"tracker-vst-dtc0": 5, "tracker-vst-dtc1": 2}, got)
	assert.NotNil(t, byName["trkdaq_vst_timestamp_rate"])
}

func TestInput_StopInterruptsUnboundedRun(t *testing.T) {
	cfg := testConfig()
	cfg.EventsToGenerate = 0
	cfg.SimFetchLatency = config.Duration(time.Millisecond)

	pub := mocks.NewMockPublisher()
	in := newTestInput(t, cfg, pub, nil)

	require.NoError(t, in.Start(context.Background()))
	require.NoError(t, in.Start(context.Background()), "second Start is a no-op")
	mocks.WaitForCount(t, pub, 3, 5*time.Second)

	require.NoError(t, in.Stop(5*time.Second))
	select {
	case <-in.Done():
	default:
		t.Fatal("loop still running after Stop")
	}
	assert.True(t, in.Health().Healthy, "a requested stop ends the stream cleanly")
	assert.NoError(t, in.Stop(time.Second), "second Stop is a no-op")
}

func TestInput_PreloadFromSimFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.sim")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, dtc.WriteImage(f, dtc.SynthesizeImage(4, 1, 100)))
	require.NoError(t, f.Close())

	cfg := testConfig()
	cfg.LoadSimFile = true
	cfg.SimFile = "/does/not/exist.sim"
	cfg.EventsToGenerate = 2

	pub := mocks.NewMockPublisher()
	in := NewInput(InputDeps{
		Config:    cfg,
		Publisher: pub,
		Logger:    quietLogger(),
		Getenv: func(key string) string {
			if key == SimFileEnv {
				return path
			}
			return ""
		},
	})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)
	require.NoError(t, in.Stop(time.Second))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 2*100, decode(t, msgs[0]).Used(), "image from the environment path")
}

func TestInput_PreloadFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.LoadSimFile = true
	cfg.SimFile = filepath.Join(t.TempDir(), "missing.sim")

	pub := mocks.NewMockPublisher()
	in := newTestInput(t, cfg, pub, nil)

	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)

	assert.Zero(t, pub.Count())
	require.Error(t, in.Err())
	assert.True(t, errors.Is(in.Err(), readout.ErrPreloadFailed))
	assert.True(t, errors.IsFatal(in.Err()))
	health := in.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.ErrorCount)

	require.NoError(t, in.Stop(time.Second))
	assert.Equal(t, component.StateFailed, in.state)
}

func TestInput_FirstBlockExhaustionIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.SimStallEvery = 1
	cfg.MaxRetries = 2

	pub := mocks.NewMockPublisher()
	in := newTestInput(t, cfg, pub, nil)

	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)

	assert.Zero(t, pub.Count())
	err := in.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, readout.ErrFetchExhaustedFirstBlock))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, err.Error(), in.Health().LastError)

	require.NoError(t, in.Stop(time.Second))
	assert.Equal(t, component.StateFailed, in.state)
	assert.Equal(t, err, in.Err(), "Err is stable after Stop")
}

// portOnly is a DTC without timing, register, stop, sim-load or version
// support.
type portOnly struct{}

func (portOnly) Fetch(_ context.Context, tag dtc.EventWindowTag) ([]dtc.SubEvent, error) {
	return []dtc.SubEvent{{Data: make([]byte, 8), Tag: tag}}, nil
}

func (portOnly) RequestRange(context.Context, dtc.RangeRequest) error { return nil }

func TestInput_MinimalDevice(t *testing.T) {
	cfg := testConfig()
	cfg.EventsToGenerate = 2

	pub := mocks.NewMockPublisher()
	in := NewInput(InputDeps{
		Config:     cfg,
		Publisher:  pub,
		Logger:     quietLogger(),
		OpenDevice: func(Config, *slog.Logger) dtc.TransferPort { return portOnly{} },
	})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))
	waitDone(t, in)
	require.NoError(t, in.Stop(time.Second))
	require.NoError(t, in.Err())
	assert.Len(t, pub.Messages(), 2)

	cfg.LoadSimFile = true
	in = NewInput(InputDeps{
		Config:     cfg,
		Publisher:  pub,
		Logger:     quietLogger(),
		OpenDevice: func(Config, *slog.Logger) dtc.TransferPort { return portOnly{} },
	})
	require.NoError(t, in.Initialize())
	err := in.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Nil(t, in.Done(), "nothing started")
}

func TestSimulatorConfigFollowsSimMode(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.simulatorConfig("v").RequireRequests)

	cfg.SimMode = "tracker"
	sc := cfg.simulatorConfig("v")
	assert.True(t, sc.RequireRequests)
	assert.Equal(t, "v", sc.Version)
}

func TestInput_InitializeRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SimMode = "warp"
	in := NewInput(InputDeps{Config: cfg, Publisher: mocks.NewMockPublisher(), Logger: quietLogger()})
	err := in.Initialize()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	in = NewInput(InputDeps{Config: testConfig(), Logger: quietLogger()})
	err = in.Initialize()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestInput_Ports(t *testing.T) {
	cfg := testConfig()
	in := NewInput(InputDeps{Config: cfg, Publisher: mocks.NewMockPublisher(), Logger: quietLogger()})

	assert.Equal(t, "tracker-vst-sim0", in.Meta().Name)
	require.Len(t, in.InputPorts(), 1)
	assert.Equal(t, "dtc:sim0", in.InputPorts()[0].Config.ResourceID())
	assert.True(t, in.InputPorts()[0].Config.IsExclusive())

	out := in.OutputPorts()
	require.Len(t, out, 1)
	assert.Equal(t, "nats", out[0].Config.Type())

	cfg.Stream = "TRKDAQ"
	cfg.RawOutputEnable = true
	in = NewInput(InputDeps{Config: cfg, Publisher: mocks.NewMockPublisher(), Logger: quietLogger()})
	out = in.OutputPorts()
	require.Len(t, out, 2)
	assert.Equal(t, component.JetStreamPort{StreamName: "TRKDAQ", Subjects: []string{"daq.tracker.fragments"}}, out[0].Config)
	assert.Equal(t, component.FilePort{Path: "/tmp/TrackerVST.bin", Exclusive: true}, out[1].Config)

	assert.Contains(t, in.ConfigSchema().Properties, "block_count_max")
}

func TestCreateInput(t *testing.T) {
	client, err := natsclient.NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	deps := component.Dependencies{NATSClient: client, Logger: quietLogger()}
	comp, err := CreateInput(json.RawMessage(`{"device": "dtc1", "board_id": 2, "block_count_max": 10}`), deps)
	require.NoError(t, err)

	in, ok := comp.(*Input)
	require.True(t, ok)
	assert.Equal(t, "tracker-vst-dtc1", in.name)
	assert.Equal(t, uint8(2), in.cfg.BoardID)
	assert.Equal(t, 10, in.cfg.BlockCountMax)
	assert.Equal(t, readout.DefaultMaxRetries, in.cfg.MaxRetries, "unset keys keep defaults")

	_, err = CreateInput(json.RawMessage(`{}`), component.Dependencies{Logger: quietLogger()})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = CreateInput(json.RawMessage(`{"block_count_max": 0}`), deps)
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))

	client, err := natsclient.NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	comp, err := registry.CreateComponent("vst-sim0", types.ComponentConfig{
		Type:    types.ComponentTypeInput,
		Name:    "tracker-vst",
		Enabled: true,
		Config:  json.RawMessage(`{"device": "sim0", "sim_mode": "tracker", "register_writes": [{"link": 2, "address": 11, "value": 1}]}`),
	}, component.Dependencies{NATSClient: client, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, "input", comp.Meta().Type)

	assert.Error(t, Register(registry), "duplicate registration")
}

func TestMissingKeys(t *testing.T) {
	missing := missingKeys(json.RawMessage(`{"device": "sim0", "board_id": 1}`))
	assert.NotContains(t, missing, "device")
	assert.NotContains(t, missing, "board_id")
	assert.Contains(t, missing, "block_count_max")
	assert.IsIncreasing(t, missing)

	assert.Len(t, missingKeys(nil), len(trackerSchema.Properties))
}

func TestSimFilePath(t *testing.T) {
	cfg := Config{SimFile: "/data/run.sim"}
	assert.Equal(t, "/data/run.sim", cfg.simFilePath(func(string) string { return "" }))
	assert.Equal(t, "/env.sim", cfg.simFilePath(func(string) string { return "/env.sim" }))
}
