package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
)

// Subscriber receives lifecycle events from a source it registered on.
// Local subscribers are the consumer/container nodes themselves; remote
// subscribers forward the event to the manager hosting the consumer.
type Subscriber interface {
	// InstanceID identifies the consuming node
	InstanceID() string

	// Notify delivers one event. Notify must tolerate duplicate delivery of
	// the same event (at-least-once semantics).
	Notify(ctx context.Context, ev Event) error
}

// ChannelConfig tunes delivery behavior.
type ChannelConfig struct {
	// MaxRetries is the number of delivery attempts per subscriber before
	// the edge is marked broken
	MaxRetries int

	// RetryWait is the pause between delivery attempts
	RetryWait time.Duration
}

// DefaultChannelConfig returns the delivery defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		MaxRetries: 3,
		RetryWait:  250 * time.Millisecond,
	}
}

// Channel delivers lifecycle events from nodes to their registered
// subscribers. One Channel instance is shared by every node of a session on
// the same manager. Delivery is FIFO per source: a publish for a source does
// not start until the previous publish for that source has finished fanning
// out. No ordering holds across different sources.
type Channel struct {
	config ChannelConfig
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[string][]Subscriber
	srcLock map[string]*sync.Mutex
	broken  map[string]bool // sourceID+"->"+consumerID
}

// NewChannel creates an event channel with the given delivery configuration.
// A nil logger falls back to a no-op logger.
func NewChannel(config ChannelConfig, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultChannelConfig().MaxRetries
	}
	return &Channel{
		config:  config,
		logger:  logger,
		subs:    make(map[string][]Subscriber),
		srcLock: make(map[string]*sync.Mutex),
		broken:  make(map[string]bool),
	}
}

// Subscribe registers sub for events published by sourceID. Registration
// order is delivery order.
func (c *Channel) Subscribe(sourceID string, sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sourceID] = append(c.subs[sourceID], sub)
}

// Subscribers returns the instance IDs registered on sourceID, in
// registration order.
func (c *Channel) Subscribers(sourceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs[sourceID]))
	for _, sub := range c.subs[sourceID] {
		ids = append(ids, sub.InstanceID())
	}
	return ids
}

// Publish fans ev out to every subscriber registered on its source, in
// registration order. A subscriber that keeps failing after bounded retry is
// logged, marked broken and skipped on later publishes; it never blocks
// delivery to the remaining subscribers. Publish returns the number of
// subscribers that received the event.
func (c *Channel) Publish(ctx context.Context, ev Event) int {
	lock := c.sourceLock(ev.SourceID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	targets := make([]Subscriber, len(c.subs[ev.SourceID]))
	copy(targets, c.subs[ev.SourceID])
	c.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		edge := edgeKey(ev.SourceID, sub.InstanceID())
		c.mu.Lock()
		skip := c.broken[edge]
		c.mu.Unlock()
		if skip {
			continue
		}
		if err := c.deliver(ctx, sub, ev); err != nil {
			c.logger.Error("event delivery failed, marking edge broken",
				zap.String("source", ev.SourceID),
				zap.String("consumer", sub.InstanceID()),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
			c.mu.Lock()
			c.broken[edge] = true
			c.mu.Unlock()
			continue
		}
		delivered++
	}
	return delivered
}

// deliver makes up to MaxRetries attempts to hand ev to sub.
func (c *Channel) deliver(ctx context.Context, sub Subscriber, ev Event) error {
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("delivery cancelled: %w", err)
		}
		if lastErr = sub.Notify(ctx, ev); lastErr == nil {
			return nil
		}
		c.logger.Warn("event delivery attempt failed",
			zap.String("source", ev.SourceID),
			zap.String("consumer", sub.InstanceID()),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("delivery cancelled: %w", ctx.Err())
			case <-time.After(c.config.RetryWait):
			}
		}
	}
	return fmt.Errorf("%w: %d attempts to %s: %v",
		dfmserrors.ErrDeliveryFailed, c.config.MaxRetries, sub.InstanceID(), lastErr)
}

// Broken reports whether the edge from sourceID to consumerID has been
// marked broken by failed delivery.
func (c *Channel) Broken(sourceID, consumerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken[edgeKey(sourceID, consumerID)]
}

func (c *Channel) sourceLock(sourceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.srcLock[sourceID]
	if !ok {
		lock = &sync.Mutex{}
		c.srcLock[sourceID] = lock
	}
	return lock
}

func edgeKey(sourceID, consumerID string) string {
	return sourceID + "->" + consumerID
}
