// Package rawfile mirrors raw detector bytes to an append-only file for
// offline replay.
//
// A Sink is opened in append mode, so consecutive runs accumulate in the
// same file. Writes go through an optional stream compressor:
//
//	none  bytes are written as received
//	lz4   LZ4 frame format (github.com/pierrec/lz4/v4)
//	zstd  Zstandard frames (github.com/klauspost/compress/zstd)
//
// Each Sink session produces one compressed frame. OpenReader decodes a
// file written by a single session with the same compression.
package rawfile
