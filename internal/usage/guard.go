package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Profile is the quota configuration applied to an install, normally
// fetched from the control plane at turn start.
type Profile struct {
	// DailyLimit is the number of metered actions allowed per UTC day.
	// Ignored when Unmetered is set.
	DailyLimit int
	// Unmetered disables quota enforcement entirely.
	Unmetered bool
}

// Verdict is the outcome of a quota admission check.
type Verdict struct {
	Allowed bool
	Used    int
	Limit   int
}

// Guard answers quota admission synchronously from an in-memory
// day-keyed counter and mirrors each admitted action to the ledger in
// the background. The mirror is best effort: a ledger failure never
// blocks or denies an action.
type Guard struct {
	mu      sync.Mutex
	day     string
	used    int
	profile Profile

	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGuard creates a guard backed by the given ledger. The counter for
// the current day is rebuilt from the ledger so restarts do not reset
// the quota; a read failure starts the day at zero.
func NewGuard(store *Store, profile Profile, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		profile: profile,
		store:   store,
		logger:  logger.With("component", "usage"),
		now:     time.Now,
	}
	g.day = DayKey(g.now())
	if store != nil {
		if n, err := store.ActionsOnDay(context.Background(), g.day); err == nil {
			g.used = n
		} else {
			g.logger.Warn("rebuilding day counter failed, starting at zero", "error", err)
		}
	}
	return g
}

// SetProfile replaces the quota profile. Takes effect on the next
// admission check.
func (g *Guard) SetProfile(p Profile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profile = p
}

// Admit charges one metered action against the quota. The decision is
// made synchronously; the ledger write happens in the background. A
// denied action is not charged.
func (g *Guard) Admit(sessionID, requestID, kind string) Verdict {
	g.mu.Lock()

	today := DayKey(g.now())
	if today != g.day {
		g.day = today
		g.used = 0
	}

	if g.profile.Unmetered {
		g.used++
		v := Verdict{Allowed: true, Used: g.used, Limit: 0}
		g.mirror(sessionID, requestID, kind, today)
		g.mu.Unlock()
		return v
	}

	if g.used >= g.profile.DailyLimit {
		v := Verdict{Allowed: false, Used: g.used, Limit: g.profile.DailyLimit}
		g.mu.Unlock()
		g.logger.Info("action denied by quota",
			"session_id", sessionID, "used", v.Used, "limit", v.Limit)
		return v
	}

	g.used++
	v := Verdict{Allowed: true, Used: g.used, Limit: g.profile.DailyLimit}
	g.mirror(sessionID, requestID, kind, today)
	g.mu.Unlock()
	return v
}

// Remaining reports the current day's headroom. Unmetered installs
// report -1.
func (g *Guard) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.profile.Unmetered {
		return -1
	}
	today := DayKey(g.now())
	if today != g.day {
		return g.profile.DailyLimit
	}
	if r := g.profile.DailyLimit - g.used; r > 0 {
		return r
	}
	return 0
}

// Used reports the number of actions charged today.
func (g *Guard) Used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if DayKey(g.now()) != g.day {
		return 0
	}
	return g.used
}

// mirror queues the ledger write. Caller holds g.mu; the write itself
// runs outside the lock.
func (g *Guard) mirror(sessionID, requestID, kind, day string) {
	if g.store == nil {
		return
	}
	a := Action{
		Timestamp: g.now(),
		Day:       day,
		RequestID: requestID,
		SessionID: sessionID,
		Kind:      kind,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.store.RecordAction(ctx, a); err != nil {
			g.logger.Warn("mirroring action to ledger failed", "error", err)
		}
	}()
}
