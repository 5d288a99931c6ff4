// Package hub owns the realtime listening state: which connection acts for
// which user, what every user is doing, and the sync and chat traffic routed
// between them.
//
// A Hub is an actor. Socket read workers enqueue parsed events; a single Run
// goroutine consumes them in arrival order and is the only code that touches
// the Registry and the Ledger. Message persistence is the one suspension
// point: it runs on a fixed pool of workers and re-enters the queue when done, so the
// relay re-resolves the receiver against the state current at that moment.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/tandem/music-app/internal/metrics"
	"github.com/tandem/music-app/internal/protocol"
)

var (
	// ErrStopped is returned when an event is submitted after Run returned.
	ErrStopped = errors.New("hub: stopped")

	// ErrUnsupported is returned for payloads the hub has no handler for.
	ErrUnsupported = errors.New("hub: unsupported event")
)

// Internal event kinds. Client events use their protocol type.
const (
	kindConnectionClosed = "connection_closed"
	kindMessagePersisted = "message_persisted"
	kindNotify           = "notify"
	kindQuery            = "query"
)

// Config holds tunable parameters for the hub.
type Config struct {
	QueueSize     int           // buffered inbound events
	StoreWorkers  int           // message store workers
	StoreBacklog  int           // messages waiting for a store worker
	StoreTimeout  time.Duration // per store call
	MirrorQueue   int           // buffered presence mirror updates
	MirrorTimeout time.Duration // per presence mirror update
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		StoreWorkers:  32,
		StoreBacklog:  1024,
		StoreTimeout:  5 * time.Second,
		MirrorQueue:   1024,
		MirrorTimeout: 2 * time.Second,
	}
}

// Option configures optional collaborators.
type Option func(*Hub)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithPresenceMirror replicates presence changes to m.
func WithPresenceMirror(m PresenceMirror) Option {
	return func(h *Hub) { h.mirror = m }
}

// WithPublisher publishes every persisted message to p for moderation.
func WithPublisher(p Publisher) Option {
	return func(h *Hub) { h.publisher = p }
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	OnlineUsers int `json:"onlineUsers"`
	Connections int `json:"connections"`
	QueueDepth  int `json:"queueDepth"`
}

type event struct {
	kind    string
	connID  string
	payload interface{}
	at      time.Time
}

type connectionClosed struct{}

type notify struct {
	userID  string
	msgType string
	payload interface{}
}

type query struct {
	fn   func()
	done chan struct{}
}

type mirrorOp struct {
	name string
	run  func(ctx context.Context) error
}

// Hub coordinates presence, activity, sync negotiation and message relay.
type Hub struct {
	cfg       Config
	log       *slog.Logger
	transport Transport
	messages  MessageStore
	mirror    PresenceMirror
	publisher Publisher

	// Owned by the Run goroutine.
	registry *Registry
	ledger   *Ledger

	events      chan event
	mirrorOps   chan mirrorOp
	persistJobs chan persistJob
	pending     *pendingCounter
	done        chan struct{}
	runOnce     sync.Once
}

// New creates a Hub that writes through transport and persists messages in
// messages. Call Run to start processing.
func New(cfg Config, transport Transport, messages MessageStore, opts ...Option) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StoreWorkers <= 0 {
		cfg.StoreWorkers = def.StoreWorkers
	}
	if cfg.StoreBacklog <= 0 {
		cfg.StoreBacklog = def.StoreBacklog
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.MirrorQueue <= 0 {
		cfg.MirrorQueue = def.MirrorQueue
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = def.MirrorTimeout
	}

	h := &Hub{
		cfg:         cfg,
		log:         slog.Default(),
		transport:   transport,
		messages:    messages,
		registry:    NewRegistry(),
		ledger:      NewLedger(),
		events:      make(chan event, cfg.QueueSize),
		mirrorOps:   make(chan mirrorOp, cfg.MirrorQueue),
		persistJobs: make(chan persistJob, cfg.StoreBacklog),
		pending:     newPendingCounter(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "hub")
	return h
}

// Run consumes events until ctx is cancelled. It must be called once.
func (h *Hub) Run(ctx context.Context) error {
	started := false
	h.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("hub: Run called twice")
	}

	mirrorDone := make(chan struct{})
	go h.runMirror(mirrorDone)

	var workers sync.WaitGroup
	for i := 0; i < h.cfg.StoreWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			h.storeWorker()
		}()
	}

	h.log.Info("hub: running", "queue", h.cfg.QueueSize, "store_workers", h.cfg.StoreWorkers)

	defer func() {
		close(h.done)
		h.discardQueued()
		close(h.persistJobs)
		workers.Wait()
		close(h.mirrorOps)
		<-mirrorDone
		h.log.Info("hub: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Enqueue submits a parsed client message received on connID. Events from
// one connection are handled in the order they are enqueued.
func (h *Hub) Enqueue(connID string, msg interface{}) error {
	kind, ok := kindOf(msg)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupported, msg)
	}
	return h.submit(event{kind: kind, connID: connID, payload: msg})
}

// Disconnect reports that connID is gone. Every identity bound to it goes
// offline. Unknown connections are ignored.
func (h *Hub) Disconnect(connID string) error {
	return h.submit(event{kind: kindConnectionClosed, connID: connID, payload: connectionClosed{}})
}

// SendToUser delivers a server event to the connection currently acting for
// userID. Offline users are skipped.
func (h *Hub) SendToUser(userID, msgType string, payload interface{}) error {
	return h.submit(event{kind: kindNotify, payload: notify{userID: userID, msgType: msgType, payload: payload}})
}

// OnlineUsers returns the online identities in first-connection order.
func (h *Hub) OnlineUsers(ctx context.Context) ([]string, error) {
	var out []string
	err := h.query(ctx, func() { out = h.registry.UserIDs() })
	return out, err
}

// Activities returns a snapshot of the activity ledger.
func (h *Hub) Activities(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := h.query(ctx, func() { out = h.ledger.Entries() })
	return out, err
}

// Stats returns counters describing the hub state.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.query(ctx, func() {
		s = Stats{
			OnlineUsers: h.registry.Len(),
			Connections: h.registry.Conns(),
			QueueDepth:  len(h.events),
		}
	})
	return s, err
}

// Drain blocks until every submitted event, store call and presence mirror
// update has been handled, or ctx is done.
func (h *Hub) Drain(ctx context.Context) error {
	return h.pending.wait(ctx)
}

func (h *Hub) submit(ev event) error {
	ev.at = time.Now()
	h.pending.add()
	select {
	case <-h.done:
		h.pending.finish()
		return ErrStopped
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		h.pending.finish()
		return ErrStopped
	}
}

func (h *Hub) query(ctx context.Context, fn func()) error {
	q := query{fn: fn, done: make(chan struct{})}
	if err := h.submit(event{kind: kindQuery, payload: q}); err != nil {
		return err
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) handle(ev event) {
	defer h.pending.finish()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("hub: handler panic", "type", ev.kind, "conn", ev.connID, "panic", r)
		}
		metrics.EventsTotal.WithLabelValues(ev.kind).Inc()
		metrics.EventLatency.Observe(time.Since(ev.at).Seconds())
	}()

	switch m := ev.payload.(type) {
	case protocol.UserConnectedMsg:
		h.userConnected(ev.connID, m.UserID)
	case protocol.RegisterUserMsg:
		h.registerUser(ev.connID, m.UserID)
	case protocol.UpdateActivityMsg:
		h.updateActivity(m.UserID, m.Activity)
	case connectionClosed:
		h.connectionClosed(ev.connID)
	case protocol.RequestSyncMsg:
		h.requestSync(ev.connID, m)
	case protocol.RespondSyncMsg:
		h.respondSync(m)
	case protocol.SyncSongMsg:
		h.syncSong(ev.connID, m)
	case protocol.SendMessageMsg:
		h.sendMessage(ev.connID, m)
	case messagePersisted:
		h.deliverMessage(ev.connID, m)
	case notify:
		if connID, ok := h.registry.Lookup(m.userID); ok {
			h.send(connID, m.msgType, m.payload)
		}
	case query:
		m.fn()
		close(m.done)
	default:
		h.log.Warn("hub: no handler", "type", ev.kind, "payload", fmt.Sprintf("%T", ev.payload))
	}
}

func kindOf(msg interface{}) (string, bool) {
	switch msg.(type) {
	case protocol.UserConnectedMsg:
		return protocol.TypeUserConnected, true
	case protocol.RegisterUserMsg:
		return protocol.TypeRegisterUser, true
	case protocol.UpdateActivityMsg:
		return protocol.TypeUpdateActivity, true
	case protocol.SendMessageMsg:
		return protocol.TypeSendMessage, true
	case protocol.RequestSyncMsg:
		return protocol.TypeRequestSync, true
	case protocol.RespondSyncMsg:
		return protocol.TypeRespondSync, true
	case protocol.SyncSongMsg:
		return protocol.TypeSyncSong, true
	}
	return "", false
}

// discardQueued releases events still buffered when Run exits.
func (h *Hub) discardQueued() {
	for {
		select {
		case ev := <-h.events:
			if q, ok := ev.payload.(query); ok {
				close(q.done)
			}
			h.pending.finish()
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound helpers
// ---------------------------------------------------------------------------

// send delivers one event to connID and reports whether it was written.
func (h *Hub) send(connID, msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		h.log.Error("hub: encode failed", "type", msgType, "err", err)
		return false
	}
	if err := h.transport.SendMessage(connID, data); err != nil {
		h.log.Debug("hub: connection unreachable", "conn", connID, "type", msgType, "err", err)
		return false
	}
	return true
}

func (h *Hub) broadcast(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		h.log.Error("hub: encode failed", "type", msgType, "err", err)
		return
	}
	h.transport.Broadcast(data)
}

func (h *Hub) broadcastExcept(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		h.log.Error("hub: encode failed", "type", msgType, "err", err)
		return
	}
	h.transport.BroadcastExcept(connID, data)
}

// ---------------------------------------------------------------------------
// Presence mirror
// ---------------------------------------------------------------------------

func (h *Hub) mirrorAsync(name string, run func(ctx context.Context, m PresenceMirror) error) {
	if h.mirror == nil {
		return
	}
	m := h.mirror
	h.pending.add()
	select {
	case h.mirrorOps <- mirrorOp{name: name, run: func(ctx context.Context) error { return run(ctx, m) }}:
	default:
		h.pending.finish()
		h.log.Warn("hub: presence mirror queue full, dropping update", "op", name)
	}
}

// runMirror applies mirror updates one at a time so they reach the shared
// store in the order the hub produced them.
func (h *Hub) runMirror(done chan<- struct{}) {
	defer close(done)
	for op := range h.mirrorOps {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.MirrorTimeout)
		if err := op.run(ctx); err != nil {
			h.log.Warn("hub: presence mirror update failed", "op", op.name, "err", err)
		}
		cancel()
		h.pending.finish()
	}
}

func (h *Hub) activitiesMsg() protocol.ActivitiesMsg {
	return protocol.ActivitiesMsg{
		Activities: lo.Map(h.ledger.Entries(), func(e Entry, _ int) protocol.ActivityEntry {
			return protocol.ActivityEntry{UserID: e.UserID, Activity: e.Activity}
		}),
	}
}

// ---------------------------------------------------------------------------
// pendingCounter
// ---------------------------------------------------------------------------

// pendingCounter counts outstanding work. Unlike sync.WaitGroup it may be
// waited on while other goroutines keep adding.
type pendingCounter struct {
	mu   sync.Mutex
	n    int
	idle chan struct{} // closed while n == 0
}

func newPendingCounter() *pendingCounter {
	idle := make(chan struct{})
	close(idle)
	return &pendingCounter{idle: idle}
}

func (p *pendingCounter) add() {
	p.mu.Lock()
	if p.n == 0 {
		p.idle = make(chan struct{})
	}
	p.n++
	p.mu.Unlock()
}

func (p *pendingCounter) finish() {
	p.mu.Lock()
	p.n--
	if p.n == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
}

func (p *pendingCounter) wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
