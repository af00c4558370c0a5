package service

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"

	"querydesk/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// HistoryService: durable record of terminal executions
// ─────────────────────────────────────────────────────────────

const (
	historyBatchSize  = 50
	historyFlushEvery = 2 * time.Second
	historyChanBuffer = 1024
	historyPageSize   = 100
	historyRecentIDs  = 4096
	historyRetryAfter = 200 * time.Millisecond
	historyMaxPending = 4 * historyChanBuffer // entries kept across failed writes
)

// HistoryService records terminal executions through a buffered batch
// writer and serves lazy history queries.
type HistoryService struct {
	store   domain.HistoryEntryStore
	logger  *slog.Logger
	metrics *Metrics

	recent *lru.Cache[string, struct{}] // ids known to be written

	ch      chan historyMsg
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

// historyMsg is either an entry to write or a flush request.
type historyMsg struct {
	entry *domain.HistoryEntry
	flush chan struct{}
}

// NewHistoryService starts the background writer.
func NewHistoryService(store domain.HistoryEntryStore, metrics *Metrics, logger *slog.Logger) *HistoryService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	recent, _ := lru.New[string, struct{}](historyRecentIDs)
	s := &HistoryService{
		store:   store,
		logger:  logger.With(slog.String("component", "history")),
		metrics: metrics,
		recent:  recent,
		ch:      make(chan historyMsg, historyChanBuffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues the history entry of a terminal execution. A second call
// for an execution already written is a no-op; the store's primary key
// drops any duplicate still in flight. Record never blocks; if the buffer
// is full the entry is written synchronously.
func (s *HistoryService) Record(exec domain.QueryExecution) {
	if !exec.State.Terminal() {
		s.logger.Warn("ignoring history record of non-terminal execution",
			slog.String("execution", exec.ID), slog.String("state", string(exec.State)))
		return
	}
	if s.recent.Contains(exec.ID) {
		s.metrics.historyRecord("duplicate", 1)
		return
	}
	entry := domain.NewHistoryEntry(exec)

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if !s.closed {
		select {
		case s.ch <- historyMsg{entry: &entry}:
			return
		default:
		}
	}
	// Buffer full or writer stopped: write inline so the entry is not lost.
	_ = s.write([]domain.HistoryEntry{entry})
}

// Flush blocks until every entry recorded before the call went through a
// write attempt. Entries whose write failed stay queued for the next one.
func (s *HistoryService) Flush(ctx context.Context) error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil
	}
	ack := make(chan struct{})
	select {
	case s.ch <- historyMsg{flush: ack}:
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	s.closeMu.RUnlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes the remaining entries and stops the writer.
func (s *HistoryService) Close(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *HistoryService) run() {
	defer close(s.done)

	batch := make([]domain.HistoryEntry, 0, historyBatchSize)
	ticker := time.NewTicker(historyFlushEvery)
	defer ticker.Stop()

	// A batch that fails even after its retry stays queued for the next
	// flush, up to historyMaxPending entries.
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if s.write(batch) == nil {
			batch = batch[:0]
			return
		}
		if over := len(batch) - historyMaxPending; over > 0 {
			s.metrics.historyRecord("dropped", over)
			s.logger.Error("dropping unwritten history entries", slog.Int("count", over))
			batch = slices.Delete(batch, 0, over)
		}
	}
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			if msg.flush != nil {
				flush()
				close(msg.flush)
				continue
			}
			batch = append(batch, *msg.entry)
			if len(batch) >= historyBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write inserts batch, retrying once. Ids become known only after the
// insert succeeded.
func (s *HistoryService) write(batch []domain.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var n int
	b := retry.WithMaxRetries(1, retry.NewConstant(historyRetryAfter))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		if n, err = s.store.InsertEntries(ctx, batch); err != nil {
			s.logger.Warn("history write failed", slog.Int("count", len(batch)), slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		s.metrics.historyRecord("failed", len(batch))
		s.logger.Error("failed to write history batch",
			slog.Int("count", len(batch)), slog.String("error", err.Error()))
		return err
	}
	for _, e := range batch {
		s.recent.Add(e.ExecutionID, struct{}{})
	}
	s.metrics.historyRecord("written", n)
	s.metrics.historyRecord("duplicate", len(batch)-n)
	return nil
}

// Query returns entries matching f, newest submission first. Pages are
// read lazily; each range over the sequence starts again from the newest
// entry. f.Limit caps the total.
func (s *HistoryService) Query(ctx context.Context, f domain.HistoryFilter) iter.Seq2[domain.HistoryEntry, error] {
	return func(yield func(domain.HistoryEntry, error) bool) {
		var (
			after   *domain.HistoryCursor
			yielded int
		)
		for {
			size := historyPageSize
			if f.Limit > 0 {
				size = min(size, f.Limit-yielded)
			}
			page, err := s.store.ListEntries(ctx, f, after, size)
			if err != nil {
				yield(domain.HistoryEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				yielded++
			}
			if len(page) < size || (f.Limit > 0 && yielded >= f.Limit) {
				return
			}
			last := page[len(page)-1]
			after = &domain.HistoryCursor{SubmittedAt: last.SubmittedAt, ExecutionID: last.ExecutionID}
		}
	}
}

// Get returns one entry by execution id.
func (s *HistoryService) Get(ctx context.Context, executionID string) (*domain.HistoryEntry, error) {
	return s.store.GetEntry(ctx, executionID)
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[domain.HistoryEntry, error]) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneOlderThan applies the retention policy when the store supports it.
func (s *HistoryService) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	p, ok := s.store.(Pruner)
	if !ok {
		return 0, errors.New("history store does not support pruning")
	}
	return p.Prune(ctx, time.Now().Add(-age))
}
