package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Handler serves one request subject and returns the reply payload.
type Handler func(data []byte) ([]byte, error)

// Subscription is an active request handler registration.
type Subscription interface {
	Unsubscribe() error
}

// Transport abstracts the request/reply messaging layer so the remote
// surface can run over NATS in production and over an in-process loopback
// in tests.
type Transport interface {
	// Request sends data to subject and waits for the reply or context
	// expiry
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Subscribe serves requests arriving on subject with handler
	Subscribe(subject string, handler Handler) (Subscription, error)
}

// NATSTransport carries requests over a NATS connection.
type NATSTransport struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSTransport wraps an established NATS connection. timeout bounds
// requests whose context carries no deadline of its own.
func NewNATSTransport(conn *nats.Conn, timeout time.Duration) (*NATSTransport, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSTransport{conn: conn, timeout: timeout}, nil
}

// Request implements Transport.
func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply, err := handler(msg.Data)
		if err != nil {
			// Handlers encode application errors into the envelope; an
			// error here means the envelope itself could not be produced.
			return
		}
		_ = msg.Respond(reply)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s failed: %w", subject, err)
	}
	return sub, nil
}

// Loopback is an in-process Transport connecting servers and clients of the
// same test binary without a broker.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Request implements Transport.
func (l *Loopback) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	handler, ok := l.handlers[subject]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no responder on %s", subject)
	}
	return handler(data)
}

// Subscribe implements Transport.
func (l *Loopback) Subscribe(subject string, handler Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.handlers[subject]; exists {
		return nil, fmt.Errorf("duplicate responder on %s", subject)
	}
	l.handlers[subject] = handler
	return &loopbackSub{l: l, subject: subject}, nil
}

type loopbackSub struct {
	l       *Loopback
	subject string
}

func (s *loopbackSub) Unsubscribe() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	delete(s.l.handlers, s.subject)
	return nil
}
