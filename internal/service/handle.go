package service

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"querydesk/internal/dbclient"
	"querydesk/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Handle: one live connection per profile
// ─────────────────────────────────────────────────────────────

// Handle is the live connection of one profile. It is reference-counted by
// the executions holding a Lease on it and cannot close while any remain.
//
// Completed results whose cursor is still open park their session on the
// handle. When a lease would block because every session is taken, the
// oldest parked result closes its cursor and gives the session back.
type Handle struct {
	id        string
	profileID string
	driver    domain.DatabaseDriver
	schema    string
	connector dbclient.Connector
	poolLimit int
	openedAt  time.Time
	backoff   time.Duration
	logger    *slog.Logger
	onClosed  func(*Handle)

	mu       sync.Mutex
	refs     int
	inUse    int           // server sessions held by leases
	waiting  int           // leases asking the connector for a session
	parked   []reclaimable // oldest first
	lastUsed time.Time
	closing  bool
	drained  chan struct{}
}

// reclaimable is a completed result that still pins a server session.
type reclaimable interface {
	// reclaim closes the cursor and releases the session. Without wait it
	// may refuse while the result is being read.
	reclaim(wait bool) bool
}

// HandleStatus is a point-in-time view of a handle for listings.
type HandleStatus struct {
	HandleID  string                `json:"handleId"`
	ProfileID string                `json:"profileId"`
	Driver    domain.DatabaseDriver `json:"driver"`
	Refs      int                   `json:"refs"`
	Parked    int                   `json:"parkedResults"`
	OpenedAt  time.Time             `json:"openedAt"`
	LastUsed  time.Time             `json:"lastUsed"`
}

func (h *Handle) ID() string                    { return h.id }
func (h *Handle) ProfileID() string             { return h.profileID }
func (h *Handle) Driver() domain.DatabaseDriver { return h.driver }

// Refs returns the number of outstanding leases.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Active returns the number of leases held by anything but parked results.
func (h *Handle) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs - len(h.parked)
}

// Status returns a snapshot of the handle's counters.
func (h *Handle) Status() HandleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandleStatus{
		HandleID: h.id, ProfileID: h.profileID, Driver: h.driver,
		Refs: h.refs, Parked: len(h.parked), OpenedAt: h.openedAt, LastUsed: h.lastUsed,
	}
}

// Acquire takes a reference on the handle. It fails with NoSuchConnection
// once the handle is closing.
func (h *Handle) Acquire() (*Lease, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil, domain.NewNoSuchConnectionError(h.profileID)
	}
	h.refs++
	h.lastUsed = time.Now()
	return &Lease{h: h}, nil
}

// Kill sends a cancel directive for sessionID over a sibling connection.
func (h *Handle) Kill(ctx context.Context, sessionID string) error {
	return h.connector.Kill(ctx, sessionID)
}

func (h *Handle) release(hadSession bool) {
	h.mu.Lock()
	h.refs--
	if hadSession {
		h.inUse--
	}
	h.lastUsed = time.Now()
	last := h.closing && h.refs == 0
	h.mu.Unlock()
	if last {
		h.shutdown()
	}
}

// park registers r. It refuses when a lease is already waiting on a full
// pool or the handle is closing; the caller then releases the session.
func (h *Handle) park(r reclaimable) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing || (h.waiting > 0 && h.inUse >= h.poolLimit) {
		return false
	}
	h.parked = append(h.parked, r)
	return true
}

func (h *Handle) unpark(r reclaimable) {
	h.mu.Lock()
	h.parked = slices.DeleteFunc(h.parked, func(p reclaimable) bool { return p == r })
	h.mu.Unlock()
}

// wantSession runs before a lease asks the connector for a session.
func (h *Handle) wantSession() {
	h.mu.Lock()
	h.waiting++
	victims := h.victimsLocked()
	h.mu.Unlock()
	reclaimOldest(victims)
}

// sessionDone runs once the connector answered. A lease still waiting
// behind this one may now need a parked session.
func (h *Handle) sessionDone(got bool) {
	h.mu.Lock()
	h.waiting--
	if got {
		h.inUse++
	}
	victims := h.victimsLocked()
	h.mu.Unlock()
	reclaimOldest(victims)
}

func (h *Handle) victimsLocked() []reclaimable {
	if h.waiting == 0 || h.inUse < h.poolLimit {
		return nil
	}
	return slices.Clone(h.parked)
}

// makeRoom reclaims parked cursors, oldest first, until n pool slots are
// free or nothing more can be reclaimed.
func (h *Handle) makeRoom(n int) {
	h.mu.Lock()
	free := h.poolLimit - h.inUse
	victims := slices.Clone(h.parked)
	h.mu.Unlock()
	for _, r := range victims {
		if free >= n {
			return
		}
		if r.reclaim(false) {
			free++
		}
	}
}

func reclaimOldest(victims []reclaimable) {
	for _, r := range victims {
		if r.reclaim(false) {
			return
		}
	}
}

// beginClose rejects new leases, closes parked cursors and returns a
// channel closed once the last reference is gone and the connector is shut.
func (h *Handle) beginClose() <-chan struct{} {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return h.drained
	}
	h.closing = true
	idle := h.refs == 0
	parked := h.parked
	h.parked = nil
	h.mu.Unlock()
	if idle {
		h.shutdown()
	}
	if len(parked) > 0 {
		// A parked result may be in the middle of a page read.
		go func() {
			for _, r := range parked {
				r.reclaim(true)
			}
		}()
	}
	return h.drained
}

// markIdleClosing flags the handle closing when no lease is outstanding
// and it has been unused for maxIdle. The caller shuts it down.
func (h *Handle) markIdleClosing(maxIdle time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing || h.refs > 0 || time.Since(h.lastUsed) < maxIdle {
		return false
	}
	h.closing = true
	return true
}

func (h *Handle) shutdown() {
	if err := h.connector.Close(); err != nil {
		h.logger.Warn("closing connector", slog.String("error", err.Error()))
	}
	close(h.drained)
	if h.onClosed != nil {
		h.onClosed(h)
	}
	h.logger.Debug("handle closed")
}

// ─────────────────────────────────────────────────────────────
// Lease: one execution's reference on a handle
// ─────────────────────────────────────────────────────────────

// Lease is a reference on a Handle plus, once requested, the dedicated
// server session the holder issues commands on.
type Lease struct {
	h       *Handle
	mu      sync.Mutex
	session dbclient.Session
	done    bool
}

// Handle returns the handle the lease references.
func (l *Lease) Handle() *Handle { return l.h }

// Session leases the server session on first use and returns it afterwards.
// A transient failure to lease is retried once. With the pool full, a
// parked result gives up its session first.
func (l *Lease) Session(ctx context.Context) (dbclient.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil, domain.NewNoSuchConnectionError(l.h.profileID)
	}
	if l.session != nil {
		return l.session, nil
	}
	l.h.wantSession()
	err := retryTransient(ctx, l.h.backoff, l.h.logger, "lease session", func(ctx context.Context) error {
		s, err := l.h.connector.Session(ctx)
		if err != nil {
			return err
		}
		l.session = s
		return nil
	})
	l.h.sessionDone(err == nil)
	if err != nil {
		return nil, err
	}
	return l.session, nil
}

// Release returns the server session and drops the reference. It is safe
// to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	s := l.session
	l.session = nil
	l.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			l.h.logger.Debug("closing session", slog.String("error", err.Error()))
		}
	}
	l.h.release(s != nil)
}

// retryTransient runs fn, retrying once after backoff when it fails with a
// transient kind.
func retryTransient(ctx context.Context, backoff time.Duration, logger *slog.Logger, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(1, retry.NewConstant(max(backoff, time.Millisecond)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && domain.KindOf(err).Transient() {
			logger.Warn("transient failure, retrying", slog.String("op", op), slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return err
	})
}
