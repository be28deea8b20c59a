package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"PrismVideo-server/logger"
	"PrismVideo-server/workflow"
)

// Relay mirrors session changes onto a redis pubsub channel so other
// processes (dashboards, a second API node) can follow sessions.
type Relay struct {
	rdb     *goredis.Client
	channel string
	timeout time.Duration
	log     *logger.Logger

	queue    chan workflow.Change
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const relayBuffer = 256

func NewRedisClient(addr, password string) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})
}

// NewRelay pings redis before returning so a bad address fails at startup.
// It starts the goroutine that publishes changes queued by Hook.
func NewRelay(ctx context.Context, rdb *goredis.Client, channel string, log *logger.Logger) (*Relay, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if log == nil {
		log = logger.Nop()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	r := &Relay{
		rdb:     rdb,
		channel: channel,
		timeout: 2 * time.Second,
		log:     log.With("component", "relay"),
		queue:   make(chan workflow.Change, relayBuffer),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.drain()
	return r, nil
}

func (r *Relay) Publish(ctx context.Context, c workflow.Change) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// Hook returns a change handler for Registry.OnChange. It only queues the
// change; store commits never wait on redis. When the queue is full the
// change is dropped and logged.
func (r *Relay) Hook() workflow.Handler {
	return func(c workflow.Change) {
		select {
		case <-r.done:
		case r.queue <- c:
		default:
			r.log.Warn("relay queue full, dropping change", "session_id", c.SessionID, "field", c.Field)
		}
	}
}

// drain publishes queued changes one at a time, preserving commit order.
func (r *Relay) drain() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case c := <-r.queue:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := r.Publish(ctx, c); err != nil {
				r.log.Warn("relay publish failed", "session_id", c.SessionID, "field", c.Field, "error", err)
			}
			cancel()
		}
	}
}

// Stop ends the publishing goroutine without closing the redis client.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// Forward subscribes to the channel and calls onChange for every message
// until ctx is done.
func (r *Relay) Forward(ctx context.Context, onChange func(workflow.Change)) error {
	if onChange == nil {
		return fmt.Errorf("onChange callback required")
	}
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var c workflow.Change
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					r.log.Warn("bad relay payload", "error", err)
					continue
				}
				onChange(c)
			}
		}
	}()
	return nil
}

// Close stops the relay and closes its redis client.
func (r *Relay) Close() error {
	r.Stop()
	return r.rdb.Close()
}
