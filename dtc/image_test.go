package dtc

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trkdaq/errors"
)

func TestImage_RoundTrip(t *testing.T) {
	windows := SynthesizeImage(4, 3, 10)

	var buf bytes.Buffer
	require.NoError(t, WriteImage(&buf, windows))
	assert.Equal(t, 4*3*(recordHeaderSize+10), buf.Len())

	got, err := ReadImage(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, windows, got)
}

func TestReadImage_Empty(t *testing.T) {
	got, err := ReadImage(context.Background(), bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadImage_GroupsConsecutiveTags(t *testing.T) {
	windows := []Window{
		{Tag: 7, SubEvents: [][]byte{{1}, {2, 3}}},
		{Tag: 8, SubEvents: [][]byte{{4}}},
		{Tag: 7, SubEvents: [][]byte{{5}}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteImage(&buf, windows))

	got, err := ReadImage(context.Background(), &buf)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Len(t, got[0].SubEvents, 2)
	assert.Equal(t, EventWindowTag(7), got[2].Tag)
}

func TestReadImage_Corruption(t *testing.T) {
	header := func(size, tag uint64) []byte {
		h := make([]byte, recordHeaderSize)
		binary.LittleEndian.PutUint64(h[0:8], size)
		binary.LittleEndian.PutUint64(h[8:16], tag)
		return h
	}

	tests := []struct {
		name   string
		data   []byte
		target error
	}{
		{"short header", []byte{1, 2, 3}, errors.ErrParsingFailed},
		{"short payload", append(header(8, 1), 1, 2), errors.ErrParsingFailed},
		{"oversized record", header(maxRecordBytes+1, 1), errors.ErrDataCorrupted},
		{"tag too wide", header(0, TagMask+1), errors.ErrDataCorrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadImage(context.Background(), bytes.NewReader(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestReadImage_Cancelled(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteImage(&buf, SynthesizeImage(2, 1, 4)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadImage(ctx, &buf)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteImage_RejectsWideTag(t *testing.T) {
	err := WriteImage(&bytes.Buffer{}, []Window{{Tag: EventWindowTag(TagMask + 1), SubEvents: [][]byte{{1}}}})
	assert.True(t, errors.IsInvalid(err))
}

func TestParseSimMode(t *testing.T) {
	tests := []struct {
		in      string
		want    SimMode
		wantErr bool
	}{
		{"", SimModeDisabled, false},
		{"Tracker", SimModeTracker, false},
		{" largefile ", SimModeLargeFile, false},
		{"5", SimModeROCEmulator, false},
		{"42", SimModeDisabled, true},
		{"warp", SimModeDisabled, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSimMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, simModeNames[got], got.String())
		})
	}
}

func TestEventWindowTag_Raw(t *testing.T) {
	assert.Equal(t, uint64(5), EventWindowTag(5).Raw())
	assert.Equal(t, uint64(0), EventWindowTag(TagMask+1).Raw())
}
