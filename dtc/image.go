package dtc

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c360/trkdaq/errors"
)

const recordHeaderSize = 16

// maxRecordBytes bounds a single payload so a corrupt header cannot force a
// huge allocation.
const maxRecordBytes = 64 << 20

// Window is one readout window of a simulation image.
type Window struct {
	Tag       EventWindowTag
	SubEvents [][]byte
}

// ByteCount returns the total payload size of the window.
func (w Window) ByteCount() int {
	n := 0
	for _, p := range w.SubEvents {
		n += len(p)
	}
	return n
}

// WriteImage encodes windows in the simulation image record format.
func WriteImage(w io.Writer, windows []Window) error {
	bw := bufio.NewWriter(w)
	var hdr [recordHeaderSize]byte
	for _, win := range windows {
		if uint64(win.Tag) > TagMask {
			return errors.WrapInvalid(fmt.Errorf("tag %d exceeds %d bits", win.Tag, TagBits),
				"dtc", "WriteImage", "tag validation")
		}
		for _, p := range win.SubEvents {
			binary.LittleEndian.PutUint64(hdr[0:8], uint64(len(p)))
			binary.LittleEndian.PutUint64(hdr[8:16], uint64(win.Tag))
			if _, err := bw.Write(hdr[:]); err != nil {
				return errors.Wrap(err, "dtc", "WriteImage", "write record header")
			}
			if _, err := bw.Write(p); err != nil {
				return errors.Wrap(err, "dtc", "WriteImage", "write record payload")
			}
		}
	}
	return errors.Wrap(bw.Flush(), "dtc", "WriteImage", "flush")
}

// ReadImage decodes a simulation image, grouping consecutive records with
// the same tag into one window. It checks ctx between records.
func ReadImage(ctx context.Context, r io.Reader) ([]Window, error) {
	br := bufio.NewReader(r)
	var (
		windows []Window
		hdr     [recordHeaderSize]byte
	)

	for record := 0; ; record++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.WrapTransient(err, "dtc", "ReadImage", "image read cancelled")
		}

		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return windows, nil
			}
			return nil, errors.WrapInvalid(fmt.Errorf("%w: record %d: %v", errors.ErrParsingFailed, record, err),
				"dtc", "ReadImage", "read record header")
		}

		size := binary.LittleEndian.Uint64(hdr[0:8])
		raw := binary.LittleEndian.Uint64(hdr[8:16])
		if size > maxRecordBytes {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: record %d claims %d bytes", errors.ErrDataCorrupted, record, size),
				"dtc", "ReadImage", "record size check")
		}
		if raw > TagMask {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: record %d tag %#x exceeds %d bits", errors.ErrDataCorrupted, record, raw, TagBits),
				"dtc", "ReadImage", "record tag check")
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: record %d: %v", errors.ErrParsingFailed, record, err),
				"dtc", "ReadImage", "read record payload")
		}

		tag := EventWindowTag(raw)
		if n := len(windows); n > 0 && windows[n-1].Tag == tag {
			windows[n-1].SubEvents = append(windows[n-1].SubEvents, payload)
			continue
		}
		windows = append(windows, Window{Tag: tag, SubEvents: [][]byte{payload}})
	}
}

// SynthesizeImage builds a deterministic image of count windows starting at
// tag zero, each with subEvents payloads of payloadBytes bytes.
func SynthesizeImage(count, subEvents, payloadBytes int) []Window {
	windows := make([]Window, count)
	for w := range windows {
		win := Window{Tag: EventWindowTag(w), SubEvents: make([][]byte, subEvents)}
		for s := range win.SubEvents {
			p := make([]byte, payloadBytes)
			for i := range p {
				p[i] = byte(w*31 + s*7 + i)
			}
			win.SubEvents[s] = p
		}
		windows[w] = win
	}
	return windows
}
