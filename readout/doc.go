// Package readout assembles detector readout windows into event containers.
//
// A Generator is pulled by the host one container at a time. On its real
// path it asks an Assembler to fill a Container from a dtc.TransferPort:
//
//	Generator.ProduceNext
//	  -> Assembler.Assemble
//	       -> RetryPolicy.Attempt -> TransferPort.Fetch
//	       -> GrowthManager.EnsureCapacity
//	       -> Coalesce -> RawSink.Append
//	       -> ContinuityTracker.Stamp
//
// A container is complete when its BlockCount reaches BlockCountMax. A
// container cut short by exhausted fetch retries on a later block, or by
// cancellation, is returned as a partial container. Exhausting the retries
// on the first block is fatal because no data exists for the container.
//
// # Timestamps
//
// Hardware window tags wrap, and simulated playback repeats the same range.
// The ContinuityTracker turns raw tags into strictly increasing timestamps
// by counting loops. A loop is detected only when the raw tag returns to
// exactly zero; a counter that restarts elsewhere is not detected.
package readout
