// Package config loads the trkdaq process configuration.
//
// A Loader starts from Defaults, merges each file layer in order and then
// applies TRKDAQ_* environment overrides. Layers may be JSON or YAML; the
// extension selects the decoder. Maps merge key by key, while a component's
// "config" object is replaced whole by the layer that sets it.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/trkdaq/base.yaml")
//	loader.AddLayer("vst-dtc0.json")
//	cfg, err := loader.Load()
//
// Example YAML layer:
//
//	platform:
//	  org: mu2e
//	  id: vst-1
//	nats:
//	  urls: [nats://daq01:4222]
//	  stream:
//	    name: TRKDAQ
//	    subjects: [daq.tracker.>]
//	components:
//	  vst-dtc0:
//	    type: input
//	    name: tracker-vst
//	    enabled: true
//	    config:
//	      board_id: 0
//	      sim_mode: tracker
//
// Environment overrides: PLATFORM_ORG, PLATFORM_ID, PLATFORM_INSTANCE_ID,
// NATS_URLS (comma separated), NATS_USERNAME, NATS_PASSWORD, NATS_TOKEN,
// NATS_STREAM, METRICS_ADDR, METRICS_ENABLED, LOG_LEVEL and LOG_FORMAT, each
// with the TRKDAQ_ prefix.
package config
