// Package watcher continuously classifies the status of registered
// server endpoints and pushes updates to subscribers.
package watcher

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/arkops/arkmgr/internal/database"
	"github.com/arkops/arkmgr/internal/query"
)

// Status classifies one server endpoint. The values escalate: each
// status implies all checks below it passed.
type Status int

const (
	StatusNotInstalled Status = iota
	StatusStopped
	StatusInitializing
	StatusRunning
	StatusPublished
)

func (s Status) String() string {
	switch s {
	case StatusNotInstalled:
		return "not_installed"
	case StatusStopped:
		return "stopped"
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusPublished:
		return "published"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Update is one tick's observation of a registered endpoint.
type Update struct {
	ProfileName string
	InstallDir  string
	Status      Status
	PID         int32
	ServerName  string
	Map         string
	Players     int
	MaxPlayers  int
	PlayerNames []string
	ObservedAt  time.Time
}

// Callback receives updates for one registration. Callbacks run on the
// watcher's consumer goroutine and must return promptly.
type Callback func(Update)

// Registration describes one endpoint to watch.
type Registration struct {
	ProfileName string
	InstallDir  string
	BindIP      string
	QueryPort   int
	PublicIP    string
	PublicPort  int
	Callback    Callback
}

func (r *Registration) localAddr() string {
	ip := r.BindIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	return net.JoinHostPort(ip, strconv.Itoa(r.QueryPort))
}

func (r *Registration) publicAddr() string {
	return net.JoinHostPort(r.PublicIP, strconv.Itoa(r.PublicPort))
}

// ProcessFinder is the strict process lookup the watcher classifies with.
type ProcessFinder interface {
	BinaryInstalled(installDir string) bool
	FindPID(installDir string, queryPort int, bindIP string) (int32, bool, error)
}

// InfoQuerier issues local info and player queries.
type InfoQuerier interface {
	Info(ctx context.Context, addr string) (*query.ServerInfo, error)
	Players(ctx context.Context, addr string) ([]query.Player, error)
}

// PublishChecker reports whether a public endpoint appears on the
// master list.
type PublishChecker interface {
	IsPublished(ctx context.Context, publicAddr string) (bool, error)
}

// Watcher owns the registration set. All access is serialized through a
// single-consumer work queue, so registration changes never race with a
// poll pass and callbacks never run concurrently with each other.
type Watcher struct {
	finder   ProcessFinder
	querier  InfoQuerier
	master   PublishChecker
	db       *database.DB // may be nil
	interval time.Duration

	queue chan func()
	done  chan struct{}

	// Owned by the consumer goroutine.
	registrations map[string]*Registration
}

// New creates a watcher. db may be nil to disable status persistence.
func New(finder ProcessFinder, querier InfoQuerier, master PublishChecker, db *database.DB, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 3500 * time.Millisecond
	}
	return &Watcher{
		finder:        finder,
		querier:       querier,
		master:        master,
		db:            db,
		interval:      interval,
		queue:         make(chan func(), 64),
		done:          make(chan struct{}),
		registrations: make(map[string]*Registration),
	}
}

// Start launches the consumer loop and the first poll pass. The loop
// stops when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.consume(ctx)
	w.post(func() { w.tick(ctx) })
}

func (w *Watcher) consume(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-w.queue:
			work()
		}
	}
}

// post enqueues one unit of work. Dropped silently after shutdown.
func (w *Watcher) post(work func()) {
	select {
	case w.queue <- work:
	case <-w.done:
	}
}

// Handle undoes one registration.
type Handle struct {
	id string
	w  *Watcher
}

// Close removes the registration. Safe to call more than once.
func (h *Handle) Close() {
	h.w.post(func() { delete(h.w.registrations, h.id) })
}

// Register adds an endpoint to the watch set and returns a handle that
// removes it again.
func (w *Watcher) Register(reg Registration) *Handle {
	id := uuid.New().String()
	w.post(func() { w.registrations[id] = &reg })
	return &Handle{id: id, w: w}
}

// tick runs one poll pass over the full registration set, then
// schedules the next pass a fixed interval later. Passes never overlap:
// the next tick is armed only after this one finishes.
func (w *Watcher) tick(ctx context.Context) {
	ids := make([]string, 0, len(w.registrations))
	for id := range w.registrations {
		ids = append(ids, id)
	}

	for _, id := range ids {
		reg, ok := w.registrations[id]
		if !ok {
			continue // removed mid-pass
		}
		update := w.classify(ctx, reg)

		// A callback may have removed the registration; deliver
		// only if it is still present.
		if _, ok := w.registrations[id]; !ok {
			continue
		}
		w.persist(update)
		if reg.Callback != nil {
			reg.Callback(update)
		}
	}

	time.AfterFunc(w.interval, func() {
		w.post(func() { w.tick(ctx) })
	})
}

// classify computes a fresh status for one registration. Socket-level
// failures of the local query mean "not yet reachable", never an error.
func (w *Watcher) classify(ctx context.Context, reg *Registration) Update {
	update := Update{
		ProfileName: reg.ProfileName,
		InstallDir:  reg.InstallDir,
		ObservedAt:  time.Now(),
	}

	if !w.finder.BinaryInstalled(reg.InstallDir) {
		update.Status = StatusNotInstalled
		return update
	}

	pid, found, err := w.finder.FindPID(reg.InstallDir, reg.QueryPort, reg.BindIP)
	if err != nil {
		log.Printf("[Watcher] Process lookup failed for %s: %v", reg.ProfileName, err)
	}
	if !found {
		update.Status = StatusStopped
		return update
	}
	update.PID = pid

	info, err := w.querier.Info(ctx, reg.localAddr())
	if err != nil {
		update.Status = StatusInitializing
		return update
	}
	update.Status = StatusRunning
	update.ServerName = info.Name
	update.Map = info.Map
	update.Players = info.Players
	update.MaxPlayers = info.MaxPlayers

	// Player list is best-effort; a failure does not downgrade status.
	if players, err := w.querier.Players(ctx, reg.localAddr()); err == nil {
		for _, p := range players {
			update.PlayerNames = append(update.PlayerNames, p.Name)
		}
	}

	if w.master != nil && reg.PublicIP != "" {
		if published, err := w.master.IsPublished(ctx, reg.publicAddr()); err == nil && published {
			update.Status = StatusPublished
		}
	}

	return update
}

func (w *Watcher) persist(update Update) {
	if w.db == nil || update.ProfileName == "" {
		return
	}
	if err := w.db.UpsertServerStatus(update.ProfileName, update.Status.String(), update.PID, update.Players); err != nil {
		log.Printf("[Watcher] Failed to persist status for %s: %v", update.ProfileName, err)
	}
}
