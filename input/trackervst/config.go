package trackervst

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/c360/trkdaq/component"
	"github.com/c360/trkdaq/config"
	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/output/rawfile"
	"github.com/c360/trkdaq/readout"
)

// SimFileEnv overrides Config.SimFile when set.
const SimFileEnv = "DTCLIB_SIM_FILE"

var trackerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds the configuration of one tracker VST readout instance.
type Config struct {
	Device string `json:"device" schema:"type:string,description:DTC device name,default:sim0,category:basic"`

	BoardID               uint8  `json:"board_id" schema:"type:int,description:Board id stamped on containers,min:0,max:255,default:0,category:basic"`
	FragmentReceiverCount int    `json:"fragment_receiver_count" schema:"type:int,description:Boards sharing the sequence,min:1,max:256,default:1"`
	SendEmptyFragments    bool   `json:"send_empty_fragments" schema:"type:bool,description:Emit fillers for other boards' sequence ids,default:false"`
	EventsToGenerate      uint64 `json:"number_of_events_to_generate" schema:"type:int,description:Stop after this many containers (0 is unlimited),min:0,default:0"`

	BlockCountMax     int `json:"block_count_max" schema:"type:int,description:Blocks per complete container,min:1,default:2500,category:basic"`
	MaxRetries        int `json:"max_retries" schema:"type:int,description:Fetch retries per block (negative selects 5),min:-1,default:5"`
	MaxContainerBytes int `json:"max_container_bytes" schema:"type:int,description:Upper bound on one container buffer,min:1,default:1073741824"`

	SimMode   string `json:"sim_mode" schema:"type:string,description:DTC simulation mode name or number,default:disabled,category:basic"`
	RunNumber uint32 `json:"run_number" schema:"type:int,description:Run number stamped on containers,min:0,default:0,category:basic"`

	DelayBetweenRequestsTicks   uint32 `json:"delay_between_requests_ticks" schema:"type:int,description:CFO delay between window requests,min:0,default:20000"`
	NullHeartbeatsAfterRequests int    `json:"null_heartbeats_after_requests" schema:"type:int,description:CFO null heartbeats after the requests,min:0,default:16"`

	LoadSimFile bool   `json:"load_sim_file" schema:"type:bool,description:Preload a simulation image before the run,default:false"`
	SimFile     string `json:"sim_file" schema:"type:string,description:Simulation image path (DTCLIB_SIM_FILE overrides)"`

	RawOutputEnable      bool   `json:"raw_output_enable" schema:"type:bool,description:Append every copy unit to a raw file,default:false"`
	RawOutputFile        string `json:"raw_output_file" schema:"type:string,description:Raw output path,default:/tmp/TrackerVST.bin"`
	RawOutputCompression string `json:"raw_output_compression" schema:"type:enum,description:Raw output stream compression,enum:none|lz4|zstd,default:none"`

	RegisterWrites []readout.RegisterWrite `json:"register_writes" schema:"type:array,description:ROC register writes applied before each container"`

	Subject string `json:"subject" schema:"type:string,description:NATS subject containers are published on,default:daq.tracker.fragments,category:basic"`
	Stream  string `json:"stream" schema:"type:string,description:JetStream stream capturing the subject (empty publishes on core NATS)"`

	PreloadPollInterval config.Duration `json:"preload_poll_interval" schema:"type:string,description:Preload completion poll interval,default:5ms"`
	ProgressLogEvery    int             `json:"progress_log_every" schema:"type:int,description:Log progress every N containers,min:1,default:1000"`

	SimWindows      int             `json:"sim_windows" schema:"type:int,description:Windows in the synthesized image when no sim file is loaded,min:1,default:64"`
	SimSubEvents    int             `json:"sim_sub_events" schema:"type:int,description:Sub-events per synthesized window,min:1,default:4"`
	SimPayloadBytes int             `json:"sim_payload_bytes" schema:"type:int,description:Bytes per synthesized sub-event,min:1,default:200"`
	SimPageSize     int             `json:"sim_page_size" schema:"type:int,description:Simulated DMA page size,min:1,default:32768"`
	SimStallEvery   int             `json:"sim_stall_every" schema:"type:int,description:Inject a transient stall every N fetches (0 disables),min:0,default:0"`
	SimFetchLatency config.Duration `json:"sim_fetch_latency" schema:"type:string,description:Simulated transfer time per fetch,default:0s"`
}

// DefaultConfig returns the configuration used for every key the instance
// configuration leaves out.
func DefaultConfig() Config {
	return Config{
		Device:                      "sim0",
		FragmentReceiverCount:       1,
		BlockCountMax:               readout.DefaultBlockCountMax,
		MaxRetries:                  readout.DefaultMaxRetries,
		MaxContainerBytes:           readout.DefaultMaxContainerBytes,
		SimMode:                     dtc.SimModeDisabled.String(),
		DelayBetweenRequestsTicks:   20000,
		NullHeartbeatsAfterRequests: 16,
		RawOutputFile:               "/tmp/TrackerVST.bin",
		RawOutputCompression:        string(rawfile.CompressionNone),
		RegisterWrites:              []readout.RegisterWrite{{Link: 2, Address: 11, Value: 1}},
		Subject:                     "daq.tracker.fragments",
		PreloadPollInterval:         config.Duration(readout.DefaultPreloadPollInterval),
		ProgressLogEvery:            1000,
		SimWindows:                  64,
		SimSubEvents:                4,
		SimPayloadBytes:             200,
		SimPageSize:                 dtc.DefaultPageSize,
	}
}

// Validate implements component.Validatable
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "device is required")
	}
	if c.FragmentReceiverCount < 1 {
		return errors.WrapInvalid(fmt.Errorf("fragment_receiver_count %d must be at least 1", c.FragmentReceiverCount),
			"Config", "Validate", "fan-out validation")
	}
	if c.BlockCountMax < 1 {
		return errors.WrapInvalid(fmt.Errorf("block_count_max %d must be at least 1", c.BlockCountMax),
			"Config", "Validate", "block count validation")
	}
	if c.MaxContainerBytes < 1 {
		return errors.WrapInvalid(fmt.Errorf("max_container_bytes %d must be positive", c.MaxContainerBytes),
			"Config", "Validate", "container size validation")
	}
	if _, err := dtc.ParseSimMode(c.SimMode); err != nil {
		return errors.Wrap(err, "Config", "Validate", "sim_mode validation")
	}
	if _, err := rawfile.ParseCompression(c.RawOutputCompression); err != nil {
		return errors.Wrap(err, "Config", "Validate", "raw_output_compression validation")
	}
	if c.RawOutputEnable && c.RawOutputFile == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"raw_output_file is required when raw_output_enable is set")
	}
	if c.LoadSimFile && c.SimFile == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"sim_file is required when load_sim_file is set")
	}
	for i, w := range c.RegisterWrites {
		if !w.Link.Valid() {
			return errors.WrapInvalid(fmt.Errorf("register_writes[%d]: link %d out of range", i, w.Link),
				"Config", "Validate", "register write validation")
		}
	}
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "subject is required")
	}
	if c.PreloadPollInterval < 0 || c.SimFetchLatency < 0 {
		return errors.WrapInvalid(fmt.Errorf("durations cannot be negative"), "Config", "Validate", "duration validation")
	}
	if c.ProgressLogEvery < 1 || c.SimWindows < 1 || c.SimSubEvents < 1 || c.SimPayloadBytes < 1 || c.SimPageSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("progress and simulator sizes must be positive"),
			"Config", "Validate", "size validation")
	}
	if c.SimStallEvery < 0 {
		return errors.WrapInvalid(fmt.Errorf("sim_stall_every %d cannot be negative", c.SimStallEvery),
			"Config", "Validate", "stall validation")
	}
	return nil
}

// generatorConfig maps the instance configuration onto the readout generator.
func (c *Config) generatorConfig() readout.Config {
	mode, _ := dtc.ParseSimMode(c.SimMode)
	return readout.Config{
		BoardID:             c.BoardID,
		FanOut:              c.FragmentReceiverCount,
		SendEmpties:         c.SendEmptyFragments,
		MaxEvents:           c.EventsToGenerate,
		RunNumber:           c.RunNumber,
		SimMode:             mode,
		DelayTicks:          c.DelayBetweenRequestsTicks,
		HeartbeatsAfter:     c.NullHeartbeatsAfterRequests,
		RegisterWrites:      c.RegisterWrites,
		PreloadPollInterval: time.Duration(c.PreloadPollInterval),
		Assembler: readout.AssemblerConfig{
			BlockCountMax:     c.BlockCountMax,
			MaxRetries:        c.MaxRetries,
			MaxContainerBytes: c.MaxContainerBytes,
		},
	}
}

func (c *Config) simulatorConfig(version string) dtc.SimulatorConfig {
	mode, _ := dtc.ParseSimMode(c.SimMode)
	return dtc.SimulatorConfig{
		PageSize:        c.SimPageSize,
		StallEvery:      c.SimStallEvery,
		RequireRequests: mode != dtc.SimModeDisabled,
		FetchLatency:    time.Duration(c.SimFetchLatency),
		Version:         version,
	}
}

// simFilePath returns the image to preload, honouring SimFileEnv.
func (c *Config) simFilePath(getenv func(string) string) string {
	if p := getenv(SimFileEnv); p != "" {
		return p
	}
	return c.SimFile
}

// missingKeys lists the schema keys raw does not set, in sorted order.
func missingKeys(raw json.RawMessage) []string {
	present := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &present)
	}

	var missing []string
	for key := range trackerSchema.Properties {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	slices.Sort(missing)
	return missing
}
