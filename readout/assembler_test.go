package readout

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/testutil"
)

func newTestAssembler(cfg AssemblerConfig, port dtc.TransferPort, sink RawSink, stop func() bool) (*Assembler, *State) {
	state := NewState()
	a := NewAssembler(cfg, AssemblerDeps{
		Port:    port,
		Tracker: NewContinuityTracker(state),
		Sink:    sink,
		Stop:    stop,
		Logger:  quietLogger(),
	})
	return a, state
}

func TestAssembler_CompleteContainer(t *testing.T) {
	blocks := [][]dtc.SubEvent{
		testutil.SubEvents(40, 0, 3, 4),
		testutil.SubEvents(41, 10, 5),
		testutil.SubEvents(42, 20, 2, 2, 2),
	}
	port := testutil.NewMockTransferPort(
		testutil.Data(blocks[0]...), testutil.Data(blocks[1]...), testutil.Data(blocks[2]...))
	sink := &testutil.MockSink{}

	a, state := newTestAssembler(AssemblerConfig{BlockCountMax: 3, MaxRetries: 5}, port, sink, nil)
	hdr := Header{SequenceID: 9, BoardID: 1, RunNumber: 77, SimMode: dtc.SimModeTracker}

	c, st, err := a.Assemble(context.Background(), hdr, 40)
	require.NoError(t, err)

	assert.Equal(t, 3, c.BlockCount)
	assert.False(t, st.Partial)
	assert.False(t, st.Cancelled)
	assert.Equal(t, 3, st.Fetches)
	assert.Equal(t, uint64(9), c.SequenceID)
	assert.Equal(t, uint32(77), c.RunNumber)
	assert.Equal(t, testutil.Concat(blocks...), c.Bytes)
	assert.Equal(t, []int{7, 12, 18}, c.BlockEnds)
	assert.Equal(t, uint64(40), c.Timestamp, "stamped from the first sub-event only")
	assert.Equal(t, uint64(40), state.HighestTimestampSeen)

	assert.Equal(t, 6, sink.Count(), "one write per copy unit")
	assert.Equal(t, c.Bytes, sink.Bytes())
	assert.GreaterOrEqual(t, c.Capacity(), c.Used())

	for _, tag := range port.FetchCalls {
		assert.Equal(t, dtc.EventWindowTag(40), tag)
	}
}

func TestAssembler_CoalescedCopies(t *testing.T) {
	port := testutil.NewMockTransferPort()
	port.Default = testutil.Data(testutil.ContiguousSubEvents(1, 0, 8, 8, 8, 8)...)
	sink := &testutil.MockSink{}

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 4, MaxRetries: 5}, port, sink, nil)
	c, st, err := a.Assemble(context.Background(), Header{}, 1)
	require.NoError(t, err)

	assert.Equal(t, 4, st.CopyUnits)
	assert.Equal(t, 4, sink.Count())
	assert.Equal(t, 4*32, c.Used())
}

func TestAssembler_PartialOnLaterBlockExhaustion(t *testing.T) {
	first := testutil.SubEvents(5, 0, 10)
	steps := append([]testutil.FetchStep{testutil.Data(first...)}, testutil.Empty(6)...)
	port := testutil.NewMockTransferPort(steps...)

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 3, MaxRetries: 5}, port, nil, nil)
	c, st, err := a.Assemble(context.Background(), Header{SequenceID: 1}, 5)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, 1, c.BlockCount)
	assert.True(t, st.Partial)
	assert.False(t, st.Cancelled)
	assert.Equal(t, 7, port.Calls())
	assert.Equal(t, testutil.Concat(first), c.Bytes)
}

func TestAssembler_FirstBlockExhaustionIsFatal(t *testing.T) {
	port := testutil.NewMockTransferPort()
	port.Default = testutil.Fault(stall())

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 3, MaxRetries: 5}, port, nil, nil)
	c, st, err := a.Assemble(context.Background(), Header{}, 0)

	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrFetchExhaustedFirstBlock)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 6, port.Calls())
	assert.Equal(t, 6, st.Faults)
}

func TestAssembler_FatalFaultPropagatesUnmodified(t *testing.T) {
	fatal := errors.WrapFatal(errors.ErrDeviceFault, "test", "Fetch", "dma read")
	port := testutil.NewMockTransferPort(
		testutil.Data(testutil.SubEvents(1, 0, 4)...),
		testutil.Fault(fatal),
	)

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 3, MaxRetries: 5}, port, nil, nil)
	c, _, err := a.Assemble(context.Background(), Header{}, 0)

	assert.Nil(t, c)
	assert.Same(t, fatal, err)
	assert.Equal(t, 2, port.Calls())
}

func TestAssembler_CancellationYieldsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := testutil.NewMockTransferPort()
	port.Default = testutil.Data(testutil.SubEvents(1, 0, 4)...)
	port.OnFetch = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 10, MaxRetries: 5}, port, nil, nil)
	c, st, err := a.Assemble(ctx, Header{}, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, c.BlockCount)
	assert.True(t, st.Cancelled)
	assert.True(t, st.Partial)
	assert.Equal(t, 2, port.Calls())
}

func TestAssembler_StopFlagBeforeFirstBlock(t *testing.T) {
	port := testutil.NewMockTransferPort()
	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 3}, port, nil, func() bool { return true })

	c, st, err := a.Assemble(context.Background(), Header{}, 0)
	require.NoError(t, err)
	assert.Zero(t, c.BlockCount)
	assert.True(t, st.Cancelled)
	assert.Zero(t, port.Calls())
}

func TestAssembler_StopDuringFirstBlockRetriesIsNotFatal(t *testing.T) {
	stopped := false
	port := testutil.NewMockTransferPort()
	port.OnFetch = func(call int) {
		if call == 2 {
			stopped = true
		}
	}

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 3, MaxRetries: 5}, port, nil, func() bool { return stopped })
	c, st, err := a.Assemble(context.Background(), Header{}, 0)
	require.NoError(t, err)
	assert.Zero(t, c.BlockCount)
	assert.True(t, st.Cancelled)
}

func TestAssembler_ByteConservationWithGrowth(t *testing.T) {
	var steps []testutil.FetchStep
	var blocks [][]dtc.SubEvent
	for i := 0; i < 20; i++ {
		var events []dtc.SubEvent
		if i%2 == 0 {
			events = testutil.ContiguousSubEvents(dtc.EventWindowTag(i), byte(i), 3, i+1, 5)
		} else {
			events = testutil.SubEvents(dtc.EventWindowTag(i), byte(i), 2*i+1, 1)
		}
		blocks = append(blocks, events)
		steps = append(steps, testutil.Data(events...))
	}
	port := testutil.NewMockTransferPort(steps...)

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 20, MaxRetries: 5, InitialReserve: 8}, port, nil, nil)
	c, st, err := a.Assemble(context.Background(), Header{}, 0)
	require.NoError(t, err)

	total := 0
	for _, b := range blocks {
		total += ByteCount(b)
	}
	assert.Equal(t, total, c.Used())
	assert.Equal(t, testutil.Concat(blocks...), c.Bytes)
	assert.GreaterOrEqual(t, c.Capacity(), c.Used())
	assert.Positive(t, st.Reallocs)
	assert.Less(t, st.Reallocs, 20)
}

func TestAssembler_GrowthFailureIsFatal(t *testing.T) {
	port := testutil.NewMockTransferPort()
	port.Default = testutil.Data(testutil.SubEvents(0, 0, 64)...)

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 4, MaxRetries: 5, MaxContainerBytes: 100}, port, nil, nil)
	_, _, err := a.Assemble(context.Background(), Header{}, 0)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBufferGrowth)
	assert.True(t, errors.IsFatal(err))
}

func TestAssembler_SinkFailureIsNotFatal(t *testing.T) {
	port := testutil.NewMockTransferPort()
	port.Default = testutil.Data(testutil.SubEvents(0, 0, 4, 4)...)
	sink := &testutil.MockSink{Err: fmt.Errorf("disk full")}

	a, _ := newTestAssembler(AssemblerConfig{BlockCountMax: 2, MaxRetries: 5}, port, sink, nil)
	c, st, err := a.Assemble(context.Background(), Header{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, c.BlockCount)
	assert.Equal(t, 4, st.SinkErrors)
}

func TestAssemblerConfig_Defaults(t *testing.T) {
	cfg := AssemblerConfig{MaxRetries: -1}.withDefaults()
	assert.Equal(t, DefaultBlockCountMax, cfg.BlockCountMax)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultMaxContainerBytes, cfg.MaxContainerBytes)
	assert.Equal(t, DefaultBlockCountMax*16*201, cfg.InitialReserve)

	cfg = AssemblerConfig{BlockCountMax: 100, MaxContainerBytes: 1000}.withDefaults()
	assert.Equal(t, 1000, cfg.InitialReserve)
}
