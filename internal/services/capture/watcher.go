package capture

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// watcher polls the log listing and delivers records not seen before.
// The platform has no push channel for logs, so polling is the only
// observation mechanism.
type watcher struct {
	service  *Service
	opts     interfaces.LogListOptions
	interval time.Duration
	logger   arbor.ILogger

	records chan models.WatchedLog
	cancel  context.CancelFunc
	done    chan struct{}
	stop    sync.Once

	seen  map[string]struct{}
	since time.Time
}

// Watch polls for logs newly visible after opts.Since. Delivery order
// follows observation order; records already present at start are not
// delivered. With opts.AutoFetch each delivery carries the log body.
func (s *Service) Watch(ctx context.Context, opts interfaces.LogListOptions) (interfaces.LogWatcher, error) {
	interval := s.cfg.WatchPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	since := opts.Since
	if since.IsZero() {
		since = time.Now()
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		service:  s,
		opts:     opts,
		interval: interval,
		logger:   s.logger,
		records:  make(chan models.WatchedLog),
		cancel:   cancel,
		done:     make(chan struct{}),
		seen:     make(map[string]struct{}),
		since:    since,
	}
	common.SafeGo(s.logger, "log-watcher", func() { w.run(ctx) })
	return w, nil
}

func (w *watcher) Records() <-chan models.WatchedLog {
	return w.records
}

// Stop cancels outstanding polls and closes the record channel. Safe to
// call more than once.
func (w *watcher) Stop() {
	w.stop.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.records)
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *watcher) poll(ctx context.Context) {
	opts := w.opts
	opts.Since = w.since

	records, err := w.service.ListLogs(ctx, opts)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("Log watch poll failed")
		}
		return
	}

	for _, record := range records {
		if _, ok := w.seen[record.ID]; ok {
			continue
		}
		w.seen[record.ID] = struct{}{}

		delivery := models.WatchedLog{Record: record}
		if w.opts.AutoFetch {
			body, err := w.service.FetchLog(ctx, record.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// The record still goes out; the consumer can refetch.
				w.logger.Warn().Err(err).Str("log_id", record.ID).Msg("Log body auto-fetch failed")
			} else {
				delivery.Body = body
			}
		}

		select {
		case w.records <- delivery:
		case <-ctx.Done():
			return
		}
		// Advance the window floor conservatively so a slow-to-appear
		// row with an earlier StartTime is still picked up next poll.
		if cutoff := record.StartTime.Add(-time.Minute); cutoff.After(w.since) {
			w.since = cutoff
		}
	}
}

var _ interfaces.LogWatcher = (*watcher)(nil)
