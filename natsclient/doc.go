// Package natsclient wraps a NATS connection with a circuit breaker,
// reconnect handling and the JetStream calls the readout publishers need.
//
// # Circuit breaker
//
// Consecutive failures (default threshold 5) open the circuit. While it is
// open, Connect and the JetStream calls fail fast with ErrCircuitOpen. The
// breaker half-opens after the current backoff, which doubles per round up to
// WithMaxBackoff. A successful connect or publish resets it.
//
// # Publishing
//
// Publish and PublishMsg send on core NATS. PublishToStream waits for a
// JetStream acknowledgement; a message ID is sent as Nats-Msg-Id so the
// server's duplicate window absorbs retried publishes:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	if _, err := client.EnsureStream(ctx, jetstream.StreamConfig{
//	    Name:     "TRKDAQ",
//	    Subjects: []string{"trkdaq.>"},
//	}); err != nil {
//	    return err
//	}
//	err = client.PublishToStream(ctx, "trkdaq.vst.dtc0", payload, "session-1")
//
// # Errors
//
// Every error is classified with the errors package. Connection problems are
// transient, bad options are invalid and a failure to create the JetStream
// context on a live connection is fatal.
package natsclient
