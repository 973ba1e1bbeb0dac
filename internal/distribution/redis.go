package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"collabtext/internal/op"
)

const (
	defaultReadBlock = time.Second
	defaultReadCount = 128
)

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and channel. Defaults to "collab".
	Prefix string
	// ReadBlock bounds one blocking stream read; it is also how long Close
	// may wait for a subscription to notice.
	ReadBlock time.Duration
	Logger    *slog.Logger
}

// RedisBroker distributes operations over one Redis stream per document.
// Entries use the explicit ID "<seq>-0", so a subscription restarts at any
// sequence number and a second publish of the same sequence is refused by
// Redis itself. Presence travels over plain Pub/Sub.
type RedisBroker struct {
	rdb       *redis.Client
	prefix    string
	readBlock time.Duration
	logger    *slog.Logger
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis broker: address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", cfg.Addr, err)
	}
	return newRedisBroker(rdb, cfg), nil
}

func newRedisBroker(rdb *redis.Client, cfg RedisConfig) *RedisBroker {
	if cfg.Prefix == "" {
		cfg.Prefix = "collab"
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = defaultReadBlock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		rdb:       rdb,
		prefix:    cfg.Prefix,
		readBlock: cfg.ReadBlock,
		logger:    logger.With(slog.String("component", "redis_broker")),
	}
}

func (b *RedisBroker) streamKey(documentID string) string {
	return b.prefix + ":doc:" + documentID + ":ops"
}

func (b *RedisBroker) presenceChannel(documentID string) string {
	return b.prefix + ":doc:" + documentID + ":presence"
}

func entryID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

// isStaleID reports Redis refusing an entry ID at or below the stream top.
func isStaleID(err error) bool {
	return err != nil && strings.Contains(err.Error(), "equal or smaller than the target stream top item")
}

func (b *RedisBroker) Publish(ctx context.Context, o op.Operation) error {
	if !o.Stamp.Accepted() {
		return fmt.Errorf("publish %s: %w", o.ID, op.ErrInvalidOperation)
	}
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode %s: %w", o.ID, err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(o.DocumentID),
		ID:     entryID(o.Seq()),
		Values: map[string]any{"op": string(body)},
	}).Err()
	if isStaleID(err) {
		// Already published, or overtaken by a later sequence from another
		// instance; subscribers fill such gaps from the log.
		b.logger.Debug("stream entry already present",
			slog.String("document_id", o.DocumentID),
			slog.Uint64("seq", o.Seq()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w: %w", o.ID, ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, documentID string, from uint64) (Subscription, error) {
	if from == 0 {
		from = 1
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &redisSub{
		ackCursor: newAckCursor(from - 1),
		out:       make(chan op.Operation),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run(subCtx, b, documentID, entryID(from-1))
	return s, nil
}

type redisSub struct {
	ackCursor
	out    chan op.Operation
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (s *redisSub) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// run reads the stream after lastID until the context ends. Read errors are
// retried with exponential backoff and reported through Err meanwhile.
func (s *redisSub) run(ctx context.Context, b *RedisBroker, documentID, lastID string) {
	defer close(s.done)
	defer close(s.out)

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	key := b.streamKey(documentID)
	for ctx.Err() == nil {
		streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   defaultReadCount,
			Block:   b.readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("read %s: %w", key, err))
			wait := retry.NextBackOff()
			b.logger.Warn("stream read failed, retrying",
				slog.String("document_id", documentID),
				slog.Duration("retry_in", wait),
				slog.Any("error", err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()
		s.setErr(nil)

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				o, err := decodeEntry(msg)
				if err != nil {
					b.logger.Error("skipping undecodable stream entry",
						slog.String("document_id", documentID),
						slog.String("entry_id", msg.ID),
						slog.Any("error", err))
					continue
				}
				select {
				case s.out <- o:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func decodeEntry(msg redis.XMessage) (op.Operation, error) {
	var o op.Operation
	raw, ok := msg.Values["op"].(string)
	if !ok {
		return o, errors.New("missing op field")
	}
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return o, err
	}
	return o, nil
}

func (s *redisSub) C() <-chan op.Operation { return s.out }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSub) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (b *RedisBroker) PublishPresence(ctx context.Context, ev PresenceEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.presenceChannel(ev.DocumentID), body).Err(); err != nil {
		return fmt.Errorf("publish presence: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) SubscribePresence(ctx context.Context, documentID string) (PresenceSubscription, error) {
	pubsub := b.rdb.Subscribe(ctx, b.presenceChannel(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", documentID, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &redisPresenceSub{
		pubsub: pubsub,
		out:    make(chan PresenceEvent, defaultPresenceBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(subCtx, b.logger.With(slog.String("document_id", documentID)))
	return s, nil
}

type redisPresenceSub struct {
	pubsub *redis.PubSub
	out    chan PresenceEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisPresenceSub) run(ctx context.Context, logger *slog.Logger) {
	defer close(s.done)
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Error("error decoding presence event", slog.Any("error", err))
				continue
			}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisPresenceSub) C() <-chan PresenceEvent { return s.out }

func (s *redisPresenceSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
