package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tempoworks/tempo/pkg/agent"
	"github.com/tempoworks/tempo/pkg/metrics"
)

// sseStream writes agent frames onto one SSE response. Emit is safe for
// concurrent use; the ping ticker and the controller share the stream.
type sseStream struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	flusher      http.Flusher
	ctl          *http.ResponseController
	writeTimeout time.Duration
}

func newSSEStream(w http.ResponseWriter, writeTimeout time.Duration) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &sseStream{
		w:            w,
		flusher:      flusher,
		ctl:          http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}, nil
}

// Emit writes one frame and flushes it. A slow client trips the write
// deadline and the error stops the controller loop; the session itself is
// untouched.
func (s *sseStream) Emit(frame agent.Frame) error {
	data, err := json.Marshal(frame.Data)
	if err != nil {
		return fmt.Errorf("failed to encode frame %s: %w", frame.Event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ctl.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", frame.Event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	metrics.SSEFrames.WithLabelValues(frame.Event).Inc()
	return nil
}

// pingLoop writes heartbeat frames until stop closes or a write fails.
func (s *sseStream) pingLoop(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Emit(agent.PingFrame()); err != nil {
				return
			}
		}
	}
}
