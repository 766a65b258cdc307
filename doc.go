// Package trkdaq is the readout front end for a tracker vertical slice test
// (VST) stand.
//
// A DTC (Data Transfer Controller) delivers detector data as DMA pages of
// sub-events, one or more per event window. trkdaq requests window ranges
// from the DTC, assembles block_count_max consecutive windows into one
// container, and publishes every container on NATS. Boards that share a
// sequence emit empty filler containers for the sequence ids they do not own,
// so downstream builders see a gap-free sequence per board.
//
// # Layout
//
//   - dtc: device contracts (transfer, timing, registers) and a simulator
//   - readout: window continuity, container assembly with retry and growth,
//     and the Generator that drives one board
//   - output/rawfile: append-only raw mirror with optional lz4 or zstd
//   - input/trackervst: the component that runs a Generator and publishes
//   - component, componentregistry: factories, ports, schema and lifecycle
//   - config: layered JSON/YAML configuration with TRKDAQ_* overrides
//   - natsclient: NATS connection with circuit breaker and JetStream publish
//   - metric, health: Prometheus metrics and the /health aggregate
//   - errors, pkg/retry: classified errors and backoff
//
// # Running
//
//	trkdaq -c /etc/trkdaq/base.yaml -c vst-dtc0.json
//
// The process exits once every readout reached its configured event count,
// or on SIGINT/SIGTERM.
package trkdaq
