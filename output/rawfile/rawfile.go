package rawfile

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/c360/trkdaq/errors"
)

// Compression selects the stream compressor of a Sink.
type Compression string

// Supported compressions
const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// ParseCompression accepts a compression name in any case. An empty name
// selects CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(name))); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionLZ4, CompressionZstd:
		return c, nil
	default:
		return "", errors.WrapInvalid(fmt.Errorf("unknown compression %q", name),
			"rawfile", "ParseCompression", "compression lookup")
	}
}

// DefaultBufferSize is the write buffer in front of the file.
const DefaultBufferSize = 256 * 1024

// Config configures a Sink.
type Config struct {
	Path        string
	Compression Compression
	BufferSize  int
}

// Sink is an append-only raw byte file.
type Sink struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    io.WriteCloser
	w      io.Writer
	closed bool

	writes int64
	bytes  int64
}

// Open opens cfg.Path for appending, creating it and its directory if needed.
func Open(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "rawfile", "Open", "path check")
	}
	compression, err := ParseCompression(string(cfg.Compression))
	if err != nil {
		return nil, err
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WrapFatal(err, "rawfile", "Open", "create output directory")
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "rawfile", "Open", "open output file")
	}

	s := &Sink{
		path:   cfg.Path,
		logger: logger,
		file:   f,
		buf:    bufio.NewWriterSize(f, cfg.BufferSize),
	}
	s.w = s.buf

	switch compression {
	case CompressionLZ4:
		s.enc = lz4.NewWriter(s.buf)
	case CompressionZstd:
		enc, err := zstd.NewWriter(s.buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, errors.WrapFatal(err, "rawfile", "Open", "create zstd encoder")
		}
		s.enc = enc
	}
	if s.enc != nil {
		s.w = s.enc
	}

	logger.Info("raw output file opened", "path", cfg.Path, "compression", string(compression))
	return s, nil
}

// Path returns the file path.
func (s *Sink) Path() string {
	return s.path
}

// Append writes p to the file.
func (s *Sink) Append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Sink", "Append", "closed check")
	}
	n, err := s.w.Write(p)
	s.bytes += int64(n)
	if err != nil {
		return errors.WrapTransient(err, "Sink", "Append", "write raw bytes")
	}
	s.writes++
	return nil
}

// Flush pushes buffered bytes to the file. Compressed streams are flushed
// to a block boundary.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if f, ok := s.enc.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrap(err, "Sink", "Flush", "flush encoder")
		}
	}
	return errors.Wrap(s.buf.Flush(), "Sink", "Flush", "flush buffer")
}

// Stats returns the number of successful writes and the bytes accepted.
func (s *Sink) Stats() (writes, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.bytes
}

// Close finishes the compressed frame and closes the file. Closing twice
// is a no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			firstErr = errors.Wrap(err, "Sink", "Close", "close encoder")
		}
	}
	if err := s.buf.Flush(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "Sink", "Close", "flush buffer")
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "Sink", "Close", "close file")
	}

	s.logger.Info("raw output file closed", "path", s.path, "writes", s.writes, "bytes", s.bytes)
	return firstErr
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// OpenReader opens a raw file for replay, decoding the given compression.
func OpenReader(path string, compression Compression) (io.ReadCloser, error) {
	compression, err := ParseCompression(string(compression))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "rawfile", "OpenReader", "open file")
	}

	switch compression {
	case CompressionLZ4:
		return readCloser{Reader: lz4.NewReader(f), close: f.Close}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, errors.WrapInvalid(err, "rawfile", "OpenReader", "create zstd decoder")
		}
		return readCloser{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}, nil
	default:
		return f, nil
	}
}
