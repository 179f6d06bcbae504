// Package bridge relays document events between service instances over
// Redis Pub/Sub so peers of the same document converge even when their
// connections land on different processes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/M4F-S/codex-live/internal/types"
)

const (
	defaultTopicPrefix = "doc:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

type redisMessage struct {
	DocumentID  string `json:"document_id"`
	OperationID string `json:"operation_id,omitempty"`
	PeerID      string `json:"peer_id,omitempty"`
	Frame       []byte `json:"frame"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// LocalFanout delivers a relayed frame to the peers of a document connected
// to this instance; the session coordinator implements it.
type LocalFanout interface {
	BroadcastLocal(docID types.DocumentID, frame []byte, skip types.PeerID) int
}

// Relay publishes document event frames to Redis and fans remote frames back
// out to locally connected peers.
type Relay struct {
	client *redis.Client
	local  LocalFanout
	logger zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRelay constructs a relay backed by Redis Pub/Sub.
func NewRelay(client *redis.Client, local LocalFanout, logger zerolog.Logger) *Relay {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bridge",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between publish and local redelivery.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"document_id"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &Relay{
		client:      client,
		local:       local,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		latency:     histogram,
	}
}

// Publish sends an event frame to the document topic, retrying with backoff
// on transient Redis failures.
func (r *Relay) Publish(ctx context.Context, docID types.DocumentID, opID types.OperationID, peer types.PeerID, frame []byte) error {
	if r == nil || r.client == nil {
		return errors.New("nil relay")
	}

	msg := redisMessage{
		DocumentID:  string(docID),
		OperationID: string(opID),
		PeerID:      string(peer),
		Frame:       frame,
		EnqueuedAt:  time.Now().UTC().UnixNano(),
	}
	if msg.OperationID != "" {
		r.markSeen(msg.DocumentID, msg.OperationID)
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	topic := r.topic(docID)
	backoff := time.Second
	for {
		if err := r.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Start begins consuming Redis messages and dispatching them locally.
func (r *Relay) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Relay) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.PSubscribe(ctx, fmt.Sprintf("%s*", r.topicPrefix))
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (r *Relay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.process(msg); err != nil {
				r.logger.Warn().Err(err).Msg("failed to process relayed frame")
			}
		}
	}
}

func (r *Relay) process(msg *redis.Message) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" || len(payload.Frame) == 0 {
		return errors.New("incomplete payload")
	}

	if payload.OperationID != "" && r.isDuplicate(payload.DocumentID, payload.OperationID) {
		return nil
	}

	var latencySeconds float64
	if payload.EnqueuedAt > 0 {
		latencySeconds = float64(time.Since(time.Unix(0, payload.EnqueuedAt))) / float64(time.Second)
	}
	r.latency.WithLabelValues(payload.DocumentID).Observe(latencySeconds)

	r.local.BroadcastLocal(types.DocumentID(payload.DocumentID), payload.Frame, types.PeerID(payload.PeerID))
	return nil
}

func (r *Relay) topic(docID types.DocumentID) string {
	return fmt.Sprintf("%s%s", r.topicPrefix, docID)
}

func (r *Relay) markSeen(docID, opID string) {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	r.seen[docID+":"+opID] = time.Now()
}

func (r *Relay) isDuplicate(docID, opID string) bool {
	key := docID + ":" + opID

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if ts, ok := r.seen[key]; ok {
		if time.Since(ts) < r.dedupeTTL {
			return true
		}
	}

	r.seen[key] = time.Now()
	cutoff := time.Now().Add(-r.dedupeTTL)
	for k, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
