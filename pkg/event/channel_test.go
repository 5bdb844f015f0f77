package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
)

// recorder is a test subscriber that can be told to fail a number of
// delivery attempts before accepting.
type recorder struct {
	id        string
	failFirst int

	mu       sync.Mutex
	attempts int
	received []Event
}

func (r *recorder) InstanceID() string { return r.id }

func (r *recorder) Notify(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.attempts <= r.failFirst {
		return errors.New("transient failure")
	}
	r.received = append(r.received, ev)
	return nil
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.received))
	copy(out, r.received)
	return out
}

func testConfig() ChannelConfig {
	return ChannelConfig{MaxRetries: 3, RetryWait: time.Millisecond}
}

func TestChannel_PublishInRegistrationOrder(t *testing.T) {
	ch := NewChannel(testConfig(), zap.NewNop())

	var mu sync.Mutex
	var order []string
	for _, id := range []string{"first", "second", "third"} {
		id := id
		ch.Subscribe("src", subscriberFunc(id, func(ctx context.Context, ev Event) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}))
	}

	delivered := ch.Publish(context.Background(), New("src", KindComplete))
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestChannel_RetriesTransientFailure(t *testing.T) {
	ch := NewChannel(testConfig(), zap.NewNop())
	sub := &recorder{id: "flaky", failFirst: 2}
	ch.Subscribe("src", sub)

	delivered := ch.Publish(context.Background(), New("src", KindComplete))
	assert.Equal(t, 1, delivered)
	require.Len(t, sub.events(), 1)
	assert.False(t, ch.Broken("src", "flaky"))
}

func TestChannel_MarksEdgeBrokenAfterExhaustedRetry(t *testing.T) {
	ch := NewChannel(testConfig(), zap.NewNop())
	broken := &recorder{id: "down", failFirst: 100}
	healthy := &recorder{id: "up"}
	ch.Subscribe("src", broken)
	ch.Subscribe("src", healthy)

	delivered := ch.Publish(context.Background(), New("src", KindComplete))
	assert.Equal(t, 1, delivered)
	assert.True(t, ch.Broken("src", "down"))
	assert.Len(t, healthy.events(), 1)

	// a broken edge is skipped, the rest still receives
	delivered = ch.Publish(context.Background(), New("src", KindError))
	assert.Equal(t, 1, delivered)
	assert.Len(t, healthy.events(), 2)
	assert.Len(t, broken.events(), 0)
}

func TestChannel_SubscribersPerSource(t *testing.T) {
	ch := NewChannel(testConfig(), zap.NewNop())
	ch.Subscribe("a", &recorder{id: "c1"})
	ch.Subscribe("a", &recorder{id: "c2"})
	ch.Subscribe("b", &recorder{id: "c3"})

	assert.Equal(t, []string{"c1", "c2"}, ch.Subscribers("a"))
	assert.Equal(t, []string{"c3"}, ch.Subscribers("b"))
	assert.Empty(t, ch.Subscribers("unknown"))
}

func TestChannel_DeliverErrorCarriesSentinel(t *testing.T) {
	ch := NewChannel(testConfig(), zap.NewNop())
	err := ch.deliver(context.Background(), &recorder{id: "down", failFirst: 100}, New("src", KindComplete))
	require.Error(t, err)
	assert.ErrorIs(t, err, dfmserrors.ErrDeliveryFailed)
}

func TestChannel_PublishWithNoSubscribers(t *testing.T) {
	ch := NewChannel(testConfig(), zap.NewNop())
	assert.Equal(t, 0, ch.Publish(context.Background(), New("lonely", KindComplete)))
}

// subscriberFunc adapts a function to the Subscriber interface for tests.
type funcSubscriber struct {
	id string
	fn func(ctx context.Context, ev Event) error
}

func subscriberFunc(id string, fn func(ctx context.Context, ev Event) error) Subscriber {
	return &funcSubscriber{id: id, fn: fn}
}

func (f *funcSubscriber) InstanceID() string { return f.id }

func (f *funcSubscriber) Notify(ctx context.Context, ev Event) error { return f.fn(ctx, ev) }
