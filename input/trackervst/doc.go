// Package trackervst is the tracker VST readout input component.
//
// An Input owns one DTC (the simulator in this build), a readout.Generator
// and an optional rawfile.Sink. Start launches a loop that pulls containers
// from the generator and publishes each one, msgpack encoded, on the
// configured subject:
//
//   - core NATS: headers carry Nats-Msg-Id, Trkdaq-Sequence, Trkdaq-Board,
//     Trkdaq-Run and, for fillers, Trkdaq-Empty
//   - JetStream (stream set): the message ID is "<session>-<sequence_id>" so
//     retried publishes inside the duplicate window are dropped by the server
//
// Publish failures are retried with pkg/retry, then counted and logged; they
// never stop the readout. A fatal readout error ends the loop and marks the
// component unhealthy. The loop also ends cleanly once
// number_of_events_to_generate containers were produced or Stop was called.
//
// Configuration keys left out of the instance config take DefaultConfig
// values and are listed once at info level. DTCLIB_SIM_FILE overrides
// sim_file when load_sim_file is set.
//
// Example instance configuration:
//
//	{
//	  "device": "sim0",
//	  "board_id": 0,
//	  "fragment_receiver_count": 2,
//	  "send_empty_fragments": true,
//	  "block_count_max": 2500,
//	  "sim_mode": "tracker",
//	  "raw_output_enable": true,
//	  "raw_output_compression": "zstd",
//	  "register_writes": [{"link": 2, "address": 11, "value": 1}],
//	  "subject": "daq.tracker.fragments",
//	  "stream": "TRKDAQ"
//	}
package trackervst
