// Package broadcast fans update fragments out to the other live sessions of
// a document. Delivery is best-effort, at-most-once, and unordered; the
// durable snapshot is the record of truth, never the channel.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"canvasync/internal/chunk"
)

const channelPrefix = "canvasync:doc:"

type Config struct {
	// ChunkSize is the piece size for fragments over TransportMaxBytes.
	ChunkSize         int
	TransportMaxBytes int
	// ChunkTTL bounds how long an incomplete chunked message may wait for
	// its remaining pieces.
	ChunkTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32 * 1024
	}
	if c.TransportMaxBytes <= 0 {
		c.TransportMaxBytes = 64 * 1024
	}
	if c.ChunkTTL <= 0 {
		c.ChunkTTL = 30 * time.Second
	}
	return c
}

// envelope is the wire form of one transport message. Every fragment rides
// as one or more chunk pieces; small fragments are a single piece.
type envelope struct {
	ClientID string      `json:"clientId"`
	Piece    chunk.Piece `json:"piece"`
}

type Adapter struct {
	client *redis.Client
	cfg    Config
}

// New connects to redis and verifies the connection before returning.
func New(redisURL string, cfg Config) (*Adapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing redis client.
func NewWithClient(client *redis.Client, cfg Config) *Adapter {
	return &Adapter{client: client, cfg: cfg.withDefaults()}
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func channelFor(documentID string) string {
	return channelPrefix + documentID
}

// Publish sends a fragment to every other session on the document's channel.
// It does not wait for delivery confirmation and never reports failure to
// the caller; a dropped fragment is healed by snapshot reconciliation.
func (a *Adapter) Publish(ctx context.Context, documentID, clientID string, fragment []byte) {
	chunkSize := a.cfg.ChunkSize
	if len(fragment) <= a.cfg.TransportMaxBytes {
		// Fits in one message once encoded.
		chunkSize = a.cfg.TransportMaxBytes * 2
	}

	for _, piece := range chunk.Split(fragment, chunkSize) {
		payload, err := json.Marshal(envelope{ClientID: clientID, Piece: piece})
		if err != nil {
			log.Printf("broadcast: marshal fragment for %s: %v", documentID, err)
			return
		}
		if err := a.client.Publish(ctx, channelFor(documentID), payload).Err(); err != nil {
			log.Printf("broadcast: publish to %s: %v", documentID, err)
			return
		}
	}
}

// Subscribe registers onFragment for fragments published by other sessions
// of the document. The returned func tears the subscription down; callers
// defer it for the lifetime of their session.
func (a *Adapter) Subscribe(ctx context.Context, documentID, clientID string, onFragment func(fragment []byte)) (func(), error) {
	pubsub := a.client.Subscribe(ctx, channelFor(documentID))

	// Confirm the subscription is live before the caller proceeds, so no
	// fragment published after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", documentID, err)
	}

	assembler := chunk.NewAssembler(a.cfg.ChunkTTL)
	done := make(chan struct{})

	go func() {
		sweep := time.NewTicker(a.cfg.ChunkTTL)
		defer sweep.Stop()

		messages := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-sweep.C:
				if dropped := assembler.Expire(time.Now()); dropped > 0 {
					log.Printf("broadcast: dropped %d incomplete messages on %s", dropped, documentID)
				}
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("broadcast: bad envelope on %s: %v", documentID, err)
					continue
				}
				if env.ClientID == clientID {
					continue
				}
				fragment, complete, err := assembler.Add(env.Piece)
				if err != nil {
					log.Printf("broadcast: reassembly on %s: %v", documentID, err)
					continue
				}
				if complete {
					onFragment(fragment)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}, nil
}
