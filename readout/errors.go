package readout

import (
	"fmt"

	"github.com/c360/trkdaq/errors"
)

var (
	// ErrFetchExhaustedFirstBlock means the fetch retries ran out before the
	// container held any data.
	ErrFetchExhaustedFirstBlock = errors.New("fetch retries exhausted on first block")

	// ErrBufferGrowth means the container buffer could not be grown.
	ErrBufferGrowth = fmt.Errorf("container buffer growth failed: %w", errors.ErrResourceExhausted)

	// ErrEndOfStream is returned by ProduceNext when no more containers will be produced.
	ErrEndOfStream = errors.New("end of stream")

	// ErrPreloadFailed means the simulation image could not be loaded.
	ErrPreloadFailed = errors.New("simulation preload failed")
)
