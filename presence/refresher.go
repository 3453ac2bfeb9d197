package presence

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"sumchat/models"
)

const (
	// EventListUpdated is emitted after every successful refresh cycle.
	EventListUpdated EventType = "list_updated"
	// EventUserOnline is emitted when a peer turns up online.
	EventUserOnline EventType = "user_online"
	// EventUserOffline is emitted when a peer's heartbeat goes stale.
	EventUserOffline EventType = "user_offline"
	// EventUserRemoved is emitted when a peer is pruned from the userlist.
	EventUserRemoved EventType = "user_removed"
)

// EventType identifies presence updates.
type EventType string

// Event carries presence updates for the messenger and UI consumers.
type Event struct {
	Type  EventType
	Peers []models.PeerEntry
	Peer  models.PeerEntry
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Config configures a Refresher.
type Config struct {
	Username  string
	Directory *Directory
	Infos     *InfoStore

	UserTimeout     time.Duration
	RefreshInterval time.Duration
	LockRetryMin    time.Duration
	LockRetryMax    time.Duration

	// Rooms supplies the rooms the local user currently claims.
	Rooms func() []models.Room
}

func (c Config) withDefaults() Config {
	out := c
	if out.UserTimeout <= 0 {
		out.UserTimeout = 60 * time.Second
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = 3 * time.Second
	}
	if out.LockRetryMin <= 0 {
		out.LockRetryMin = 3 * time.Second
	}
	if out.LockRetryMax < out.LockRetryMin {
		out.LockRetryMax = out.LockRetryMin + 2*time.Second
	}
	return out
}

// Refresher drives the presence refresh loop: one non-overlapping cycle of
// sync, enrich and diff per interval, with jittered retries while the
// userlist lock is busy.
type Refresher struct {
	cfg Config

	mu            sync.RWMutex
	peers         []models.PeerEntry
	selfInfo      models.ExtendedUserInfo
	selfInfoStamp int64
	firstUpdate   bool
	started       bool

	events chan Event
	errs   chan error

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRefresher creates a Refresher with config defaults applied.
func NewRefresher(config Config) (*Refresher, error) {
	cfg := config.withDefaults()
	if cfg.Username == "" {
		return nil, errors.New("presence: username is required")
	}
	if cfg.Directory == nil || cfg.Infos == nil {
		return nil, errors.New("presence: directory and info store are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		cfg:             cfg,
		firstUpdate:     true,
		events:          make(chan Event, 128),
		errs:            make(chan error, 16),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// UpdateSelfInfo writes the local user's extended-info file and advances
// the info timestamp advertised in the userlist. Called at startup and
// whenever address, key or avatar change.
func (r *Refresher) UpdateSelfInfo(info models.ExtendedUserInfo) error {
	info.Timestamp = time.Now().UnixMilli()
	if err := r.cfg.Infos.WriteSelf(r.cfg.Username, info); err != nil {
		return err
	}

	r.mu.Lock()
	r.selfInfo = info
	r.selfInfoStamp = info.Timestamp
	r.mu.Unlock()
	return nil
}

// SetAvatar republishes the extended info with a new avatar.
func (r *Refresher) SetAvatar(avatar string) error {
	r.mu.RLock()
	info := r.selfInfo
	r.mu.RUnlock()

	info.Avatar = avatar
	return r.UpdateSelfInfo(info)
}

// Start begins the background refresh loop.
func (r *Refresher) Start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		r.started = true
		r.mu.Unlock()

		r.wg.Add(1)
		go r.loop()
	})
}

// Stop stops the refresh loop.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		close(r.events)
	})
}

// Events provides asynchronous presence updates.
func (r *Refresher) Events() <-chan Event {
	return r.events
}

// Errors returns asynchronous refresh errors. The loop never stops on
// them; cycles are self-healing.
func (r *Refresher) Errors() <-chan error {
	return r.errs
}

// Refresh triggers an immediate cycle and waits for its result.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return errors.New("presence: refresher is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case r.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return errors.New("presence: refresher is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return errors.New("presence: refresher is stopped")
	}
}

// Snapshot returns the current enriched userlist.
func (r *Refresher) Snapshot() []models.PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PeerEntry, len(r.peers))
	copy(out, r.peers)
	return out
}

func (r *Refresher) loop() {
	defer r.wg.Done()

	// Prime the userlist immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			delay, _ := r.runCycle()
			timer.Reset(delay)
		case req := <-r.refreshRequests:
			delay, err := r.runCycle()
			req.done <- err
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(delay)
		case <-r.ctx.Done():
			return
		}
	}
}

// runCycle performs one sync+enrich cycle and returns the delay before
// the next one: the jittered retry window when the lock was busy, the
// regular refresh interval otherwise.
func (r *Refresher) runCycle() (time.Duration, error) {
	list, err := r.cfg.Directory.Sync(r.selfEntry())
	if err != nil {
		if IsLockBusy(err) {
			return r.retryDelay(), err
		}
		r.reportError(err)
		return r.cfg.RefreshInterval, err
	}

	enriched := r.cfg.Infos.Enrich(list)
	now := time.Now().UnixMilli()
	for i := range enriched {
		if now-enriched[i].Timestamp <= r.cfg.UserTimeout.Milliseconds() {
			enriched[i].Status = models.StatusOnline
		} else {
			enriched[i].Status = models.StatusOffline
		}
	}

	r.applySnapshot(enriched)
	return r.cfg.RefreshInterval, nil
}

func (r *Refresher) selfEntry() models.PeerEntry {
	r.mu.RLock()
	infoStamp := r.selfInfoStamp
	r.mu.RUnlock()

	var rooms []models.Room
	if r.cfg.Rooms != nil {
		rooms = r.cfg.Rooms()
	}

	return models.PeerEntry{
		Username:      r.cfg.Username,
		InfoTimestamp: infoStamp,
		Rooms:         rooms,
	}
}

func (r *Refresher) applySnapshot(next []models.PeerEntry) {
	r.mu.Lock()

	previous := r.peers
	first := r.firstUpdate
	r.peers = next
	r.firstUpdate = false
	r.mu.Unlock()

	if !first {
		r.diffSnapshots(previous, next)
	}

	snapshot := make([]models.PeerEntry, len(next))
	copy(snapshot, next)
	r.emitEvent(Event{Type: EventListUpdated, Peers: snapshot})
}

// diffSnapshots emits online/offline/removed notices for peers whose
// state changed between two cycles. The local user never notifies.
func (r *Refresher) diffSnapshots(previous, next []models.PeerEntry) {
	prevByName := make(map[string]models.PeerEntry, len(previous))
	for _, peer := range previous {
		prevByName[strings.ToLower(peer.Username)] = peer
	}

	nextNames := make(map[string]struct{}, len(next))
	for _, peer := range next {
		key := strings.ToLower(peer.Username)
		nextNames[key] = struct{}{}

		if EqualUsernames(peer.Username, r.cfg.Username) {
			continue
		}

		old, existed := prevByName[key]
		switch {
		case peer.Status == models.StatusOnline && (!existed || old.Status != models.StatusOnline):
			r.emitEvent(Event{Type: EventUserOnline, Peer: peer})
		case peer.Status == models.StatusOffline && existed && old.Status == models.StatusOnline:
			r.emitEvent(Event{Type: EventUserOffline, Peer: peer})
		}
	}

	for key, peer := range prevByName {
		if _, exists := nextNames[key]; exists {
			continue
		}
		if EqualUsernames(peer.Username, r.cfg.Username) {
			continue
		}
		r.emitEvent(Event{Type: EventUserRemoved, Peer: peer})
	}
}

// retryDelay picks a uniformly random delay in the configured retry
// window. Bounded jitter only, no exponential backoff.
func (r *Refresher) retryDelay() time.Duration {
	window := r.cfg.LockRetryMax - r.cfg.LockRetryMin
	if window <= 0 {
		return r.cfg.LockRetryMin
	}
	return r.cfg.LockRetryMin + time.Duration(rand.Int63n(int64(window)+1))
}

func (r *Refresher) emitEvent(event Event) {
	select {
	case r.events <- event:
	default:
	}
}

func (r *Refresher) reportError(err error) {
	if err == nil {
		return
	}

	select {
	case r.errs <- err:
	default:
	}
}
