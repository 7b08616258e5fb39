package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"atlas-server/models"
)

// BatchSubmitter delivers one telemetry batch to the ingestion service.
// Implementations must return a SubmitResult for structured server
// responses (including rate limiting) and an error only for transport
// failures.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, batch models.TelemetryBatch) (*models.SubmitResult, error)
}

const (
	// DefaultSyncInterval is the routine flush cadence.
	DefaultSyncInterval = 10 * time.Second
	// DefaultHeartbeat forces a sync attempt even when nothing new has
	// accumulated, so idle detection server-side can distinguish
	// "connected but not answering" from "disconnected".
	DefaultHeartbeat = 60 * time.Second
)

// Scheduler flushes a Queue to the server on a timer, a heartbeat failsafe,
// and on Close (page/tab teardown). At most one sync is in flight at a
// time; a failed sync leaves the queue untouched so the next trigger
// naturally retries the same events.
type Scheduler struct {
	attemptID string
	queue     *Queue
	submitter BatchSubmitter
	interval  time.Duration
	heartbeat time.Duration

	mu         sync.Mutex
	inFlight   bool
	retryTimer *time.Timer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler wires a queue to a submitter for one attempt. Zero durations
// fall back to the defaults.
func NewScheduler(attemptID string, queue *Queue, submitter BatchSubmitter, interval, heartbeat time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Scheduler{
		attemptID: attemptID,
		queue:     queue,
		submitter: submitter,
		interval:  interval,
		heartbeat: heartbeat,
		done:      make(chan struct{}),
	}
}

// Start launches the periodic and heartbeat tickers.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		heartbeat := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		defer heartbeat.Stop()
		for {
			select {
			case <-ticker.C:
				s.sync(false)
			case <-heartbeat.C:
				s.sync(true)
			case <-s.done:
				return
			}
		}
	}()
}

// Sync triggers an immediate flush. It is a no-op when the queue is empty
// or another sync is already in flight.
func (s *Scheduler) Sync() {
	s.sync(false)
}

// Close stops the tickers and makes a best-effort final flush, mirroring
// the unload handler in a browser client.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
	s.sync(true)
}

// sync submits one batch. force makes an attempt even with an empty queue
// (heartbeat semantics: the server refreshes its liveness timestamp on any
// accepted batch).
func (s *Scheduler) sync(force bool) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return
	}
	snapshot := s.queue.Snapshot()
	if len(snapshot) == 0 && !force {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	res, err := s.submitter.SubmitBatch(context.Background(), models.TelemetryBatch{
		AttemptID: s.attemptID,
		Events:    snapshot,
	})

	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()

	switch {
	case err != nil:
		// Transport failure: the queue stays intact and the next periodic
		// trigger retries the same events plus anything accumulated since.
		log.Printf("telemetry sync failed for attempt %s: %v", s.attemptID, err)
	case res.Success:
		s.queue.Drop(len(snapshot))
	case res.RetryAfterMs > 0:
		s.scheduleRetry(time.Duration(res.RetryAfterMs) * time.Millisecond)
	default:
		log.Printf("telemetry sync rejected for attempt %s: %s", s.attemptID, res.Error)
	}
}

// scheduleRetry arms exactly one retry after the server-dictated delay. A
// pending retry timer is replaced, never stacked.
func (s *Scheduler) scheduleRetry(after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(after, func() {
		select {
		case <-s.done:
		default:
			s.sync(false)
		}
	})
}
