// Package logship buffers log lines and ships them in batches to an HTTP
// log-ingestion endpoint. The shipper sits behind zerolog as an extra
// writer, so it must never block or fail the logging caller: entries are
// handed to a background goroutine over a buffered channel and dropped
// (counted) when the buffer is full.
//
// Delivery is at-most-twice per batch: a failed POST is re-queued once, and
// a batch that fails again is dropped and counted. There is no further
// retry or backoff — losing operational noise is acceptable, stalling the
// service is not.
package logship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MaxBuffer caps the in-flight entry queue. Beyond this, new entries drop.
const MaxBuffer = 1000

const shipTimeout = 10 * time.Second

// Entry is one shipped log record.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Line      json.RawMessage `json:"line"`
}

// Config configures the shipper.
type Config struct {
	Endpoint      string
	APIKey        string
	Source        string
	BatchSize     int
	FlushInterval time.Duration
}

// Shipper accumulates entries and flushes them when the batch size is
// reached or the flush interval elapses, whichever comes first. It
// implements io.Writer so it can sit in a zerolog.MultiLevelWriter.
type Shipper struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	in     chan Entry
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	shipped atomic.Int64 // batches delivered
	dropped atomic.Int64 // entries dropped (full buffer or failed twice)
}

// New starts the shipper's background goroutine. Callers must Close on
// shutdown to flush the tail of the buffer.
func New(cfg Config, log zerolog.Logger) *Shipper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	s := &Shipper{
		cfg:    cfg,
		client: &http.Client{Timeout: shipTimeout},
		log:    log,
		in:     make(chan Entry, MaxBuffer),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Write implements io.Writer for zerolog. Each write is one JSON log line.
func (s *Shipper) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	s.Enqueue(Entry{
		Timestamp: time.Now().UTC(),
		Source:    s.cfg.Source,
		Line:      json.RawMessage(bytes.TrimSpace(line)),
	})
	return len(p), nil
}

// Enqueue hands an entry to the background goroutine. Never blocks: when
// the buffer is full or the shipper is closed the entry is dropped and
// counted.
func (s *Shipper) Enqueue(e Entry) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.in <- e:
	default:
		s.dropped.Add(1)
	}
}

// Shipped returns the number of batches delivered.
func (s *Shipper) Shipped() int64 { return s.shipped.Load() }

// Dropped returns the number of entries lost to a full buffer or a batch
// that failed delivery twice.
func (s *Shipper) Dropped() int64 { return s.dropped.Load() }

func (s *Shipper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Entry
	// retry holds a batch that failed its first POST; it rides along with
	// the next flush and is dropped if that fails too.
	var retry []Entry

	flush := func() {
		if len(batch) == 0 && len(retry) == 0 {
			return
		}

		payload := append(retry, batch...)
		hadRetry := len(retry) > 0
		batch, retry = nil, nil

		if err := s.post(payload); err != nil {
			if hadRetry {
				// Second failure: give up on the whole payload.
				s.dropped.Add(int64(len(payload)))
				s.log.Debug().Err(err).Int("entries", len(payload)).Msg("log batch dropped after retry")
				return
			}
			retry = payload
			s.log.Debug().Err(err).Int("entries", len(payload)).Msg("log batch re-queued")
			return
		}
		s.shipped.Add(1)
	}

	for {
		select {
		case e := <-s.in:
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case e := <-s.in:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Shipper) post(entries []Entry) error {
	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("logship: marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("logship: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("logship: post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("logship: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops intake, flushes the remaining buffer, and waits for the
// background goroutine with a 5s deadline.
func (s *Shipper) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("logship: close timed out with entries still buffered")
	}
}
