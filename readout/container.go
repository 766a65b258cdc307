package readout

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
)

// Header identifies a container.
type Header struct {
	SequenceID uint64
	BoardID    uint8
	RunNumber  uint32
	SimMode    dtc.SimMode
}

// Container is one assembled event fragment. Bytes holds the concatenated
// sub-event payloads in arrival order and its capacity is the allocated
// buffer size. BlockEnds records the byte offset at the end of each block.
type Container struct {
	SequenceID uint64      `msgpack:"sequence_id"`
	BoardID    uint8       `msgpack:"board_id"`
	RunNumber  uint32      `msgpack:"run_number"`
	SimMode    dtc.SimMode `msgpack:"sim_mode"`
	Timestamp  uint64      `msgpack:"timestamp"`
	BlockCount int         `msgpack:"block_count"`
	BlockEnds  []int       `msgpack:"block_ends,omitempty"`
	Empty      bool        `msgpack:"empty"`
	Bytes      []byte      `msgpack:"bytes"`
}

// NewContainer returns an empty container with reserve bytes of capacity.
func NewContainer(hdr Header, reserve int) *Container {
	if reserve < 0 {
		reserve = 0
	}
	return &Container{
		SequenceID: hdr.SequenceID,
		BoardID:    hdr.BoardID,
		RunNumber:  hdr.RunNumber,
		SimMode:    hdr.SimMode,
		Bytes:      make([]byte, 0, reserve),
	}
}

// NewFiller returns a placeholder that keeps sequencing across boards.
func NewFiller(sequenceID uint64, boardID uint8) *Container {
	return &Container{SequenceID: sequenceID, BoardID: boardID, Empty: true}
}

// Used returns the payload size.
func (c *Container) Used() int { return len(c.Bytes) }

// Capacity returns the allocated buffer size.
func (c *Container) Capacity() int { return cap(c.Bytes) }

// Partial reports whether a real container stopped short of blockCountMax.
func (c *Container) Partial(blockCountMax int) bool {
	return !c.Empty && c.BlockCount < blockCountMax
}

// Block returns the payload of block i.
func (c *Container) Block(i int) []byte {
	if i < 0 || i >= len(c.BlockEnds) {
		return nil
	}
	start := 0
	if i > 0 {
		start = c.BlockEnds[i-1]
	}
	return c.Bytes[start:c.BlockEnds[i]]
}

// EncodeContainer serializes c for publication.
func EncodeContainer(c *Container) ([]byte, error) {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return nil, errors.WrapInvalid(err, "readout", "EncodeContainer", "msgpack marshal")
	}
	return data, nil
}

// DecodeContainer parses a container produced by EncodeContainer.
func DecodeContainer(data []byte) (*Container, error) {
	var c Container
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, errors.WrapInvalid(err, "readout", "DecodeContainer", "msgpack unmarshal")
	}
	return &c, nil
}
