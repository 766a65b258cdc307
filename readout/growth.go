package readout

import (
	"fmt"

	"github.com/c360/trkdaq/errors"
)

// DefaultMaxContainerBytes bounds a container buffer.
const DefaultMaxContainerBytes = 1 << 30

// GrowthManager sizes container buffers during assembly.
type GrowthManager struct {
	BlockCountMax int
	MaxBytes      int // Zero means unbounded
}

// EnsureCapacity grows c so that incoming more bytes fit. When growth is
// needed it adds the shortfall plus the current capacity scaled by the
// fraction of blocks still to come. If that exceeds MaxBytes it falls back
// to the bare shortfall. It reports whether the buffer was reallocated.
func (g GrowthManager) EnsureCapacity(c *Container, incoming int) (bool, error) {
	used, capacity := len(c.Bytes), cap(c.Bytes)
	if used+incoming <= capacity {
		return false, nil
	}

	diff := used + incoming - capacity
	remaining := 1.0
	if g.BlockCountMax > 0 {
		remaining = 1 - float64(c.BlockCount)/float64(g.BlockCountMax)
	}
	if remaining < 0 {
		remaining = 0
	}
	extra := int(float64(capacity) * remaining)

	target := capacity + diff + extra
	if g.MaxBytes > 0 && target > g.MaxBytes {
		target = capacity + diff
		if target > g.MaxBytes {
			return false, errors.WrapFatal(
				fmt.Errorf("%w: need %d bytes, limit %d", ErrBufferGrowth, target, g.MaxBytes),
				"GrowthManager", "EnsureCapacity", "capacity check")
		}
	}

	buf, err := reallocate(c.Bytes, target)
	if err != nil {
		return false, errors.WrapFatal(err, "GrowthManager", "EnsureCapacity", "buffer allocation")
	}
	c.Bytes = buf
	return true, nil
}

func reallocate(old []byte, capacity int) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBufferGrowth, r)
		}
	}()
	buf = make([]byte, len(old), capacity)
	copy(buf, old)
	return buf, nil
}
