// Package session admits and evicts editing sessions and routes every
// submitted operation through the transform, merge and conflict pipeline of
// its document.
//
// Each document loaded on an instance is owned by one goroutine (its actor).
// Operations against the same document are serialized through it; different
// documents proceed in parallel. The operation log is the source of truth:
// any instance can rebuild a document by replaying it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"collabtext/internal/auth"
	"collabtext/internal/conflict"
	"collabtext/internal/coordstore"
	"collabtext/internal/distribution"
	"collabtext/internal/op"
	"collabtext/internal/oplog"
	"collabtext/internal/replica"
	"collabtext/internal/snapshot"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: coordinator closed")
	// ErrConflictNotFound is returned by Decide for an unknown or already
	// settled conflict.
	ErrConflictNotFound = errors.New("session: conflict not found or already resolved")
)

// Options configure a Coordinator. Log, Broker, Sessions and Verifier are
// required.
type Options struct {
	// Instance names this server in presence events and session records.
	Instance  string
	Log       oplog.Store
	Broker    distribution.Broker
	Sessions  coordstore.Store
	Verifier  auth.Verifier
	Snapshots snapshot.Store
	// SnapshotEvery is the number of accepted operations between snapshots.
	SnapshotEvery int

	Policy       conflict.Policy
	DeferTimeout time.Duration

	// Expiry evicts a session after this long without a heartbeat.
	Expiry        time.Duration
	SweepInterval time.Duration
	// HeartbeatEvery is the minimum spacing of heartbeat presence events per
	// session; heartbeats in between only refresh expiry.
	HeartbeatEvery time.Duration

	Retry        distribution.RetryConfig
	HistoryLimit int

	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) normalize() error {
	var missing []error
	if o.Log == nil {
		missing = append(missing, errors.New("log store is required"))
	}
	if o.Broker == nil {
		missing = append(missing, errors.New("broker is required"))
	}
	if o.Sessions == nil {
		missing = append(missing, errors.New("session store is required"))
	}
	if o.Verifier == nil {
		missing = append(missing, errors.New("verifier is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return fmt.Errorf("session options: %w", err)
	}

	if o.Instance == "" {
		o.Instance = uuid.NewString()
	}
	if o.Expiry <= 0 {
		o.Expiry = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.Expiry / 6
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = o.Expiry / 3
	}
	if o.DeferTimeout <= 0 {
		o.DeferTimeout = time.Minute
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 100
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Coordinator is the entry point of the collaboration core on one instance.
type Coordinator struct {
	opts      Options
	publisher *distribution.RetryPublisher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loads  singleflight.Group

	mu     sync.Mutex
	docs   map[string]*document
	beats  map[string]time.Time
	closed bool
}

// New creates a coordinator. Call Run to start the expiry sweeper and Close
// to stop every document actor.
func New(opts Options) (*Coordinator, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	logger := opts.Logger.With(slog.String("component", "coordinator"), slog.String("instance", opts.Instance))
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:      opts,
		publisher: distribution.NewRetryPublisher(opts.Broker, opts.Retry, opts.Logger),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		docs:      make(map[string]*document),
		beats:     make(map[string]time.Time),
	}, nil
}

// CreateDocument registers a new, empty document in the log.
func (c *Coordinator) CreateDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", op.ErrInvalidOperation)
	}
	return c.opts.Log.Create(ctx, documentID)
}

// Join admits userID to documentID and returns the new session id.
func (c *Coordinator) Join(ctx context.Context, userID, documentID, token string, presence map[string]string) (string, error) {
	ident, err := c.opts.Verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, op.ErrAuthRejected) {
			return "", err
		}
		return "", fmt.Errorf("verify token: %w", err)
	}
	if ident.UserID != userID {
		return "", fmt.Errorf("%w: token issued to another user", op.ErrAuthRejected)
	}

	d, err := c.document(ctx, documentID)
	if err != nil {
		return "", err
	}

	now := c.opts.Now()
	s := coordstore.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		DocumentID:    documentID,
		Roles:         ident.Roles,
		Presence:      maps.Clone(presence),
		Instance:      c.opts.Instance,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
	if err := c.opts.Sessions.Put(ctx, s, c.ttl()); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	if err := d.do(ctx, func() error {
		d.admit(s)
		return nil
	}); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.beats[s.ID] = now
	c.mu.Unlock()
	c.announce(ctx, distribution.PresenceJoined, s, "")
	c.logger.Info("session joined",
		slog.String("session_id", s.ID),
		slog.String("user_id", userID),
		slog.String("document_id", documentID))
	return s.ID, nil
}

// Submit routes o through the pipeline of the session's document. It
// returns the accepted operation, or an error that is a *op.RejectedError,
// a *op.DeferredError, a *op.DegradedError, op.ErrSessionExpired,
// op.ErrTransformDivergence or a log failure. Resubmitting an accepted op_id
// returns the original acceptance.
func (c *Coordinator) Submit(ctx context.Context, sessionID string, o op.Operation) (op.Operation, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return op.Operation{}, err
	}

	switch {
	case o.DocumentID == "":
		o.DocumentID = s.DocumentID
	case o.DocumentID != s.DocumentID:
		return op.Operation{}, op.Reject(op.ReasonPolicyDenied, "session is bound to document %s", s.DocumentID)
	}
	switch {
	case o.AuthorID == "":
		o.AuthorID = s.UserID
	case o.AuthorID != s.UserID:
		return op.Operation{}, op.Reject(op.ReasonPolicyDenied, "session user %s cannot author for %s", s.UserID, o.AuthorID)
	}
	if o.Stamp.Author == "" {
		o.Stamp.Author = o.AuthorID
	}
	if ident := (auth.Identity{UserID: s.UserID, Roles: s.Roles}); !ident.CanEdit() {
		return op.Operation{}, op.Reject(op.ReasonPolicyDenied, "role %q cannot edit", ident.Role())
	}
	if o.Kind == op.KindConflict {
		return op.Operation{}, fmt.Errorf("%w: conflict records are written by the server", op.ErrInvalidOperation)
	}
	o.Stamp.Seq, o.BaseSeq = 0, 0
	if err := o.Validate(); err != nil {
		return op.Operation{}, err
	}

	d, err := c.document(ctx, s.DocumentID)
	if err != nil {
		return op.Operation{}, err
	}
	var out op.Operation
	err = d.do(ctx, func() error {
		var err error
		out, err = d.submit(ctx, s, o)
		return err
	})
	return out, err
}

// Heartbeat refreshes the session's expiry and optionally replaces its
// presence metadata.
func (c *Coordinator) Heartbeat(ctx context.Context, sessionID string, presence map[string]string) error {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return err
	}
	now := c.opts.Now()
	s.LastHeartbeat = now
	if presence != nil {
		s.Presence = maps.Clone(presence)
	}
	ok, err := c.opts.Sessions.Refresh(ctx, s, c.ttl())
	if err != nil {
		return fmt.Errorf("refresh session %s: %w", sessionID, err)
	}
	if !ok {
		return op.ErrSessionExpired
	}

	c.mu.Lock()
	last := c.beats[sessionID]
	announce := now.Sub(last) >= c.opts.HeartbeatEvery
	if announce {
		c.beats[sessionID] = now
	}
	c.mu.Unlock()
	if announce {
		c.announce(ctx, distribution.PresenceActive, s, "")
	}
	return nil
}

// Leave ends a session.
func (c *Coordinator) Leave(ctx context.Context, sessionID string) error {
	s, ok, err := c.opts.Sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !ok {
		return op.ErrSessionExpired
	}
	return c.evict(ctx, s, "left")
}

// Subscribe streams the accepted operations of the session's document from
// sequence from, filling any gap the medium leaves from the log. Resume with
// the subscription's Acked()+1.
func (c *Coordinator) Subscribe(ctx context.Context, sessionID string, from uint64) (distribution.Subscription, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	inner, err := c.publisher.Subscribe(ctx, s.DocumentID, from)
	if err != nil {
		cancel()
		return nil, err
	}
	return newLogFilledSub(ctx, cancel, inner, c.opts.Log, s.DocumentID, from), nil
}

// WatchPresence streams presence events of the session's document.
func (c *Coordinator) WatchPresence(ctx context.Context, sessionID string) (distribution.PresenceSubscription, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.publisher.SubscribePresence(ctx, s.DocumentID)
}

// State returns the current replica state of the session's document, which
// is what a client resyncs from.
func (c *Coordinator) State(ctx context.Context, sessionID string) (replica.State, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return replica.State{}, err
	}
	d, err := c.document(ctx, s.DocumentID)
	if err != nil {
		return replica.State{}, err
	}
	var st replica.State
	err = d.do(ctx, func() error {
		if err := d.catchUp(ctx); err != nil {
			return err
		}
		st = d.replica.State()
		return nil
	})
	return st, err
}

// Decide settles a deferred conflict. acceptHeld chooses the held incoming
// operation over the accepted one. Only editors and owners may decide.
func (c *Coordinator) Decide(ctx context.Context, sessionID, conflictID string, acceptHeld bool) (op.ConflictRecord, error) {
	s, err := c.session(ctx, sessionID)
	if err != nil {
		return op.ConflictRecord{}, err
	}
	if ident := (auth.Identity{UserID: s.UserID, Roles: s.Roles}); !ident.CanEdit() {
		return op.ConflictRecord{}, op.Reject(op.ReasonPolicyDenied, "role %q cannot decide conflicts", ident.Role())
	}
	d, err := c.document(ctx, s.DocumentID)
	if err != nil {
		return op.ConflictRecord{}, err
	}
	var rec op.ConflictRecord
	err = d.do(ctx, func() error {
		var err error
		rec, err = d.decide(ctx, conflictID, acceptHeld, s.UserID)
		return err
	})
	return rec, err
}

// Sweep evicts sessions whose heartbeat is older than the expiry window,
// applies the default strategy to deferred conflicts past their timeout and
// reattaches lost broker subscriptions, for every document loaded here.
func (c *Coordinator) Sweep(ctx context.Context) error {
	now := c.opts.Now()
	var errs []error
	for _, d := range c.loaded() {
		sessions, err := c.opts.Sessions.List(ctx, d.id)
		if err != nil {
			errs = append(errs, fmt.Errorf("list sessions of %s: %w", d.id, err))
		}
		for _, s := range sessions {
			if now.Before(s.ExpiresAt(c.opts.Expiry)) {
				continue
			}
			if err := c.evict(ctx, s, "heartbeat timeout"); err != nil && !errors.Is(err, op.ErrSessionExpired) {
				errs = append(errs, err)
			}
		}
		err = d.do(ctx, func() error {
			d.ensureSubscribed(ctx)
			return d.expireDeferred(ctx, now)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run sweeps every SweepInterval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Warn("sweep failed", slog.Any("error", err))
			}
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		}
	}
}

// Close stops every document actor. Sessions stay in the coordination store
// so another instance can take them over.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) ttl() time.Duration {
	return 2 * c.opts.Expiry
}

// session loads a live session; expired ones are evicted on the spot.
func (c *Coordinator) session(ctx context.Context, sessionID string) (coordstore.Session, error) {
	s, ok, err := c.opts.Sessions.Get(ctx, sessionID)
	if err != nil {
		return s, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !ok {
		return s, op.ErrSessionExpired
	}
	if !c.opts.Now().Before(s.ExpiresAt(c.opts.Expiry)) {
		if err := c.evict(ctx, s, "heartbeat timeout"); err != nil && !errors.Is(err, op.ErrSessionExpired) {
			c.logger.Warn("evicting expired session failed", slog.String("session_id", s.ID), slog.Any("error", err))
		}
		return s, op.ErrSessionExpired
	}
	return s, nil
}

func (c *Coordinator) evict(ctx context.Context, s coordstore.Session, reason string) error {
	if err := c.opts.Sessions.Delete(ctx, s.DocumentID, s.ID); err != nil {
		return fmt.Errorf("delete session %s: %w", s.ID, err)
	}
	c.mu.Lock()
	delete(c.beats, s.ID)
	d := c.docs[s.DocumentID]
	c.mu.Unlock()

	if d != nil {
		if err := d.do(ctx, func() error {
			d.release(s)
			return nil
		}); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}
	c.announce(ctx, distribution.PresenceLeft, s, reason)
	c.logger.Info("session ended",
		slog.String("session_id", s.ID),
		slog.String("document_id", s.DocumentID),
		slog.String("reason", reason))
	return nil
}

// announce publishes a presence event. Presence is best-effort and never
// fails the calling operation.
func (c *Coordinator) announce(ctx context.Context, kind distribution.PresenceKind, s coordstore.Session, reason string) {
	ev := distribution.PresenceEvent{
		Kind:       kind,
		DocumentID: s.DocumentID,
		SessionID:  s.ID,
		UserID:     s.UserID,
		Instance:   c.opts.Instance,
		Reason:     reason,
		Metadata:   maps.Clone(s.Presence),
		At:         c.opts.Now(),
	}
	if err := c.publisher.PublishPresence(ctx, ev); err != nil {
		c.logger.Warn("presence event not delivered",
			slog.String("kind", string(kind)),
			slog.String("session_id", s.ID),
			slog.Any("error", err))
	}
}

func (c *Coordinator) loaded() []*document {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]*document, 0, len(c.docs))
	for _, d := range c.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].id < docs[j].id })
	return docs
}

// document returns the actor for documentID, loading it from the log on
// first use. Concurrent first uses share one load.
func (c *Coordinator) document(ctx context.Context, documentID string) (*document, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if d, ok := c.docs[documentID]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	v, err, _ := c.loads.Do(documentID, func() (any, error) {
		c.mu.Lock()
		if d, ok := c.docs[documentID]; ok {
			c.mu.Unlock()
			return d, nil
		}
		c.mu.Unlock()

		d, err := c.load(ctx, documentID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			d.closeSubscription()
			return nil, ErrClosed
		}
		c.docs[documentID] = d
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			d.run(c.ctx)
		}()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*document), nil
}
