package readout

import (
	"io"
	"log/slog"
	"sync"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Telemetry
}

func (r *recordingReporter) Report(t Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, t)
}

func (r *recordingReporter) all() []Telemetry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Telemetry(nil), r.reports...)
}
