package trackervst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/c360/trkdaq/component"
	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/metric"
	"github.com/c360/trkdaq/natsclient"
	"github.com/c360/trkdaq/output/rawfile"
	"github.com/c360/trkdaq/pkg/retry"
	"github.com/c360/trkdaq/readout"
)

// Headers set on core NATS publishes. JetStream publishes carry only the
// message ID.
const (
	HeaderSequence = "Trkdaq-Sequence"
	HeaderBoard    = "Trkdaq-Board"
	HeaderRun      = "Trkdaq-Run"
	HeaderEmpty    = "Trkdaq-Empty"
)

// SimulatorVersion is the firmware design version the simulated DTC reports.
const SimulatorVersion = "trkdaq-sim-1"

// Publisher sends encoded containers. *natsclient.Client implements it.
type Publisher interface {
	PublishMsg(ctx context.Context, subject string, data []byte, header nats.Header) error
	PublishToStream(ctx context.Context, subject string, data []byte, msgID string) error
}

var _ Publisher = (*natsclient.Client)(nil)

// InputDeps holds runtime dependencies of a tracker VST input
type InputDeps struct {
	Name            string
	Config          Config
	Publisher       Publisher
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Getenv          func(string) string // Defaults to os.Getenv

	// OpenDevice returns the DTC for one run. Defaults to a simulated DTC
	// playing back the synthesized image.
	OpenDevice func(cfg Config, logger *slog.Logger) dtc.TransferPort
}

// OpenSimulator returns a simulated DTC configured from cfg.
func OpenSimulator(cfg Config, logger *slog.Logger) dtc.TransferPort {
	return dtc.NewSimulator(cfg.simulatorConfig(SimulatorVersion),
		dtc.SynthesizeImage(cfg.SimWindows, cfg.SimSubEvents, cfg.SimPayloadBytes), logger)
}

// Input drives a readout Generator against a simulated DTC and publishes
// every container it produces.
type Input struct {
	name        string
	cfg         Config
	publisher   Publisher
	logger      *slog.Logger
	metrics     *Metrics
	core        *metric.Metrics
	retryConfig retry.Config
	getenv      func(string) string
	openDevice  func(Config, *slog.Logger) dtc.TransferPort

	mu        sync.Mutex
	state     component.State
	session   string
	device    dtc.TransferPort
	gen       *readout.Generator
	sink      *rawfile.Sink
	cancel    context.CancelFunc
	done      chan struct{}
	startTime time.Time

	running  atomic.Bool
	finished atomic.Bool
	fatal    atomic.Pointer[error]

	containers    atomic.Int64
	fillers       atomic.Int64
	bytesOut      atomic.Int64
	publishErrors atomic.Int64
	lastActivity  atomic.Value // time.Time
}

var (
	_ component.Discoverable       = (*Input)(nil)
	_ component.LifecycleComponent = (*Input)(nil)
)

// NewInput creates an input. Configuration is checked by Initialize.
func NewInput(deps InputDeps) *Input {
	name := deps.Name
	if name == "" {
		name = "tracker-vst-" + deps.Config.Device
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", name)
	}
	getenv := deps.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	openDevice := deps.OpenDevice
	if openDevice == nil {
		openDevice = OpenSimulator
	}

	i := &Input{
		name:        name,
		cfg:         deps.Config,
		publisher:   deps.Publisher,
		logger:      logger,
		metrics:     newMetrics(deps.MetricsRegistry, name, logger),
		retryConfig: retry.DefaultConfig(),
		getenv:      getenv,
		openDevice:  openDevice,
		startTime:   time.Now(),
	}
	if deps.MetricsRegistry != nil {
		i.core = deps.MetricsRegistry.CoreMetrics()
	}
	i.lastActivity.Store(time.Time{})
	i.setState(component.StateCreated)
	return i
}

func (i *Input) setState(s component.State) {
	i.state = s
	if i.core != nil {
		i.core.RecordComponentStatus(i.name, int(s))
	}
}

// Meta returns the component metadata
func (i *Input) Meta() component.Metadata {
	return component.Metadata{
		Name: i.name,
		Type: "input",
		Description: fmt.Sprintf("Tracker VST readout of %s (board %d, %s) publishing to %s",
			i.cfg.Device, i.cfg.BoardID, i.cfg.SimMode, i.cfg.Subject),
		Version: "1.0.0",
	}
}

// InputPorts returns the DTC the component reads from
func (i *Input) InputPorts() []component.Port {
	return []component.Port{{
		Name:        "dtc",
		Direction:   component.DirectionInput,
		Required:    true,
		Description: "DTC transfer engine",
		Config:      component.DevicePort{Device: i.cfg.Device, SimMode: i.cfg.SimMode},
	}}
}

// OutputPorts returns the container subject and, when enabled, the raw file
func (i *Input) OutputPorts() []component.Port {
	out := component.Port{
		Name:        "containers",
		Direction:   component.DirectionOutput,
		Required:    true,
		Description: "msgpack encoded containers",
		Config:      component.NATSPort{Subject: i.cfg.Subject},
	}
	if i.cfg.Stream != "" {
		out.Config = component.JetStreamPort{StreamName: i.cfg.Stream, Subjects: []string{i.cfg.Subject}}
	}
	ports := []component.Port{out}

	if i.cfg.RawOutputEnable {
		ports = append(ports, component.Port{
			Name:        "raw_output",
			Direction:   component.DirectionOutput,
			Description: "raw copy units in arrival order",
			Config:      component.FilePort{Path: i.cfg.RawOutputFile, Exclusive: true},
		})
	}
	return ports
}

// ConfigSchema returns the configuration schema
func (i *Input) ConfigSchema() component.ConfigSchema {
	return trackerSchema
}

// Health reports the component healthy while it runs, or after it finished
// without a fatal error.
func (i *Input) Health() component.HealthStatus {
	i.mu.Lock()
	startTime := i.startTime
	i.mu.Unlock()

	var lastError string
	errorCount := int(i.publishErrors.Load())
	if p := i.fatal.Load(); p != nil {
		lastError = (*p).Error()
		errorCount++
	}

	return component.HealthStatus{
		Healthy:    lastError == "" && (i.running.Load() || i.finished.Load()),
		LastCheck:  time.Now(),
		ErrorCount: errorCount,
		LastError:  lastError,
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns container and byte rates since Start
func (i *Input) DataFlow() component.FlowMetrics {
	i.mu.Lock()
	startTime := i.startTime
	i.mu.Unlock()

	produced := i.containers.Load() + i.fillers.Load()
	lastActivity, _ := i.lastActivity.Load().(time.Time)

	var flow component.FlowMetrics
	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		flow.MessagesPerSecond = float64(produced) / uptime
		flow.BytesPerSecond = float64(i.bytesOut.Load()) / uptime
	}
	if produced > 0 {
		flow.ErrorRate = float64(i.publishErrors.Load()) / float64(produced)
	}
	flow.LastActivity = lastActivity
	return flow
}

// Initialize validates the configuration and dependencies
func (i *Input) Initialize() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.cfg.Validate(); err != nil {
		return errors.Wrap(err, "tracker-vst", "Initialize", "config validation")
	}
	if i.publisher == nil {
		return errors.WrapInvalid(fmt.Errorf("nil publisher"), "tracker-vst", "Initialize", "publisher validation")
	}
	i.setState(component.StateInitialized)
	return nil
}

// Start opens the device and the raw output, starts the optional preload
// and launches the readout loop. It returns once the loop is running; ctx
// bounds the whole run. A run that already ended on its own is released
// first, so Start begins a new session.
func (i *Input) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running.Load() {
		return nil
	}
	if i.publisher == nil {
		return errors.WrapInvalid(fmt.Errorf("nil publisher"), "tracker-vst", "Start", "publisher validation")
	}
	if i.gen != nil {
		i.release()
	}

	dev := i.openDevice(i.cfg, i.logger)
	var loader dtc.SimLoader
	if i.cfg.LoadSimFile {
		var ok bool
		if loader, ok = dev.(dtc.SimLoader); !ok {
			return errors.WrapInvalid(fmt.Errorf("device %s cannot load simulation files", i.cfg.Device),
				"tracker-vst", "Start", "sim file preload")
		}
	}

	deps := readout.GeneratorDeps{
		Port:   dev,
		Logger: i.logger,
	}
	deps.Timer, _ = dev.(dtc.DeviceTimer)
	deps.Registers, _ = dev.(dtc.RegisterAccess)
	deps.Stopper, _ = dev.(dtc.Stopper)
	if i.metrics != nil {
		deps.Metrics = i.metrics
	}

	var sink *rawfile.Sink
	if i.cfg.RawOutputEnable {
		compression, _ := rawfile.ParseCompression(i.cfg.RawOutputCompression)
		var err error
		sink, err = rawfile.Open(rawfile.Config{Path: i.cfg.RawOutputFile, Compression: compression}, i.logger)
		if err != nil {
			return errors.Wrap(err, "tracker-vst", "Start", "open raw output")
		}
		deps.Sink = sink
	}

	gen, err := readout.NewGenerator(i.cfg.generatorConfig(), deps)
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		return errors.Wrap(err, "tracker-vst", "Start", "create generator")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if loader != nil {
		path := i.cfg.simFilePath(i.getenv)
		gen.StartPreload(runCtx, func(ctx context.Context) error {
			return loader.LoadSimFile(ctx, path)
		})
	}

	designVersion := "unknown"
	if vr, ok := dev.(dtc.VersionReader); ok {
		designVersion = vr.DesignVersion()
	}

	i.device, i.gen, i.sink = dev, gen, sink
	i.cancel = cancel
	i.done = make(chan struct{})
	i.session = uuid.NewString()
	i.startTime = time.Now()
	i.fatal.Store(nil)
	i.finished.Store(false)
	i.running.Store(true)
	i.setState(component.StateStarted)

	i.logger.Info("tracker VST readout started",
		"session", i.session,
		"device", i.cfg.Device,
		"design_version", designVersion,
		"sim_mode", i.cfg.SimMode,
		"board_id", i.cfg.BoardID,
		"block_count_max", i.cfg.BlockCountMax,
		"subject", i.cfg.Subject,
		"stream", i.cfg.Stream,
		"raw_output", i.cfg.RawOutputEnable)

	go i.run(runCtx, gen, i.session, i.done)
	return nil
}

// run pulls containers until end of stream or a fatal error.
func (i *Input) run(ctx context.Context, gen *readout.Generator, session string, done chan struct{}) {
	defer func() {
		i.running.Store(false)
		close(done)
	}()

	progress := rate.Sometimes{First: 1, Every: i.cfg.ProgressLogEvery}
	for {
		c, err := gen.ProduceNext(ctx)
		if errors.Is(err, readout.ErrEndOfStream) {
			i.finished.Store(true)
			i.logger.Info("readout finished",
				"containers", i.containers.Load(),
				"fillers", i.fillers.Load(),
				"event_counter", gen.State().EventCounter)
			return
		}
		if err != nil {
			i.fatal.Store(&err)
			if i.core != nil {
				i.core.RecordError(i.name, errors.Classify(err).String())
			}
			i.logger.Error("readout failed", "error", err, "phase", gen.Phase().String())
			return
		}

		i.lastActivity.Store(time.Now())
		if c.Empty {
			i.fillers.Add(1)
			if i.metrics != nil {
				i.metrics.fillers.Inc()
			}
		} else {
			i.containers.Add(1)
			i.bytesOut.Add(int64(c.Used()))
		}

		i.publish(ctx, session, c)

		progress.Do(func() {
			i.logger.Info("readout progress",
				"sequence_id", c.SequenceID,
				"containers", i.containers.Load(),
				"fillers", i.fillers.Load(),
				"bytes", i.bytesOut.Load(),
				"publish_errors", i.publishErrors.Load())
		})
	}
}

// publish encodes c and sends it with retry. Failures are counted and
// logged; they never stop the readout.
func (i *Input) publish(ctx context.Context, session string, c *readout.Container) {
	data, err := readout.EncodeContainer(c)
	if err != nil {
		i.publishFailed(c, err)
		return
	}

	msgID := session + "-" + strconv.FormatUint(c.SequenceID, 10)
	start := time.Now()

	err = retry.Do(ctx, i.retryConfig, func() error {
		if i.cfg.Stream != "" {
			return i.publisher.PublishToStream(ctx, i.cfg.Subject, data, msgID)
		}
		header := nats.Header{}
		header.Set(nats.MsgIdHdr, msgID)
		header.Set(HeaderSequence, strconv.FormatUint(c.SequenceID, 10))
		header.Set(HeaderBoard, strconv.Itoa(int(c.BoardID)))
		header.Set(HeaderRun, strconv.FormatUint(uint64(c.RunNumber), 10))
		if c.Empty {
			header.Set(HeaderEmpty, "true")
		}
		return i.publisher.PublishMsg(ctx, i.cfg.Subject, data, header)
	})
	if err != nil {
		i.publishFailed(c, err)
		return
	}

	if i.core != nil {
		i.core.RecordMessagePublished(i.name, i.cfg.Subject)
		i.core.RecordPublishDuration(i.name, time.Since(start))
	}
}

func (i *Input) publishFailed(c *readout.Container, err error) {
	i.publishErrors.Add(1)
	if i.metrics != nil {
		i.metrics.publishErrors.Inc()
	}
	if i.core != nil {
		i.core.RecordError(i.name, "publish")
	}
	i.logger.Error("container publish failed",
		"sequence_id", c.SequenceID, "empty", c.Empty, "error", err)
}

// Stop asks the generator to stop, waits up to timeout for the loop to
// return, then disables the emulators and closes the raw output. A loop that
// outlives timeout is cancelled and Stop reports a transient error. Stop
// also releases a run whose loop already ended on its own.
func (i *Input) Stop(timeout time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.gen == nil {
		return nil
	}

	i.gen.RequestStop()

	var stopErr error
	select {
	case <-i.done:
	case <-time.After(timeout):
		stopErr = errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"tracker-vst", "Stop", "graceful shutdown")
		i.cancel()
	}
	i.release()

	if i.fatal.Load() != nil {
		i.setState(component.StateFailed)
	} else {
		i.setState(component.StateStopped)
	}
	i.logger.Info("tracker VST readout stopped",
		"containers", i.containers.Load(),
		"fillers", i.fillers.Load(),
		"publish_errors", i.publishErrors.Load())
	return stopErr
}

// release waits for the loop of the current run, then disables the
// emulators and closes the raw output. Callers hold mu.
func (i *Input) release() {
	<-i.done
	i.cancel()

	if err := i.gen.Close(); err != nil {
		i.logger.Warn("disabling emulators failed", "error", err)
	}
	if i.sink != nil {
		if err := i.sink.Close(); err != nil {
			i.logger.Warn("closing raw output failed", "path", i.sink.Path(), "error", err)
		}
		i.sink = nil
	}
	i.gen = nil
}

// Done is closed when the readout loop of the current run returns.
func (i *Input) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

// Err returns the fatal error that ended the run, if any. Its
// classification and sentinel are preserved.
func (i *Input) Err() error {
	if p := i.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Device returns the DTC of the current or last run.
func (i *Input) Device() dtc.TransferPort {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.device
}

// CreateInput is the component factory.
func CreateInput(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	cfg := DefaultConfig()
	if err := component.SafeUnmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "tracker-vst-factory", "create", "config parsing")
	}
	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("NATS client is required"),
			"tracker-vst-factory", "create", "NATS client validation")
	}

	name := "tracker-vst-" + cfg.Device
	logger := deps.GetLoggerWithComponent(name)
	if missing := missingKeys(rawConfig); len(missing) > 0 {
		logger.Info("configuration keys not set, using defaults", "keys", missing)
	}

	return NewInput(InputDeps{
		Name:            name,
		Config:          cfg,
		Publisher:       deps.NATSClient,
		MetricsRegistry: deps.MetricsRegistry,
		Logger:          logger,
	}), nil
}

// Register registers the tracker VST input with the given registry
func Register(registry *component.Registry) error {
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "tracker-vst",
		Factory:     CreateInput,
		Schema:      trackerSchema,
		Type:        "input",
		Protocol:    "dtc",
		Domain:      "tracker",
		Description: "Tracker VST readout front end assembling DTC event windows into containers",
		Version:     "1.0.0",
	})
}
