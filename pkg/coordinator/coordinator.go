// Package coordinator implements the top-level orchestrator: it submits a
// physical dataflow graph across the participating node managers with
// all-or-nothing admission, tracks session state, and drives best-effort
// distributed teardown.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/graph"
)

// ManagerAPI is the node manager surface the coordinator drives. It is
// implemented by the in-process manager and by the remote client stub, so a
// session can mix local and remote managers transparently.
type ManagerAPI interface {
	ID() string
	Reserve(ctx context.Context, sessionID string, count int) error
	Release(ctx context.Context, sessionID string) error
	Register(ctx context.Context, sessionID string, spec graph.NodeSpec) (string, error)
	Connect(ctx context.Context, producerUID, consumerUID string) error
	Forward(ctx context.Context, producerUID, consumerUID, consumerHost string) error
	BindProducer(ctx context.Context, consumerUID, producerUID, producerHost string) error
	AddChild(ctx context.Context, containerUID, childUID, childHost string) error
	Write(ctx context.Context, uid string, p []byte) (int, error)
	Finalize(ctx context.Context, uid string) error
	Fail(ctx context.Context, uid string, cause string) error
	ShutdownSession(ctx context.Context, sessionID string) (int, error)
}

// instance records where one logical node was materialized.
type instance struct {
	uid  string
	host string
}

// Session is the coordinator's record of one submitted graph.
type Session struct {
	ID        string
	Graph     *graph.Graph
	managers  map[string]ManagerAPI
	instances map[string]instance
}

// Coordinator orchestrates submission and teardown across managers.
type Coordinator struct {
	logger *zap.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a coordinator.
func New(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:   logger,
		tracer:   otel.Tracer("dfms/coordinator"),
		sessions: make(map[string]*Session),
	}
}

// Submit performs two-phase admission of a graph across the given managers:
// every targeted manager first reserves capacity for its assigned nodes;
// only if all reservations succeed are the node instances created and their
// subscriptions wired, including cross-manager registrations. If any
// manager declines, reservations made so far are released and no node of
// the graph remains registered anywhere.
//
// On success Submit returns the new session ID and accepted=true.
func (c *Coordinator) Submit(ctx context.Context, g *graph.Graph, managers []ManagerAPI) (string, bool, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Submit",
		trace.WithAttributes(
			attribute.String("graph.name", g.Name),
			attribute.Int("graph.nodes", len(g.Nodes)),
		))
	defer span.End()

	if err := g.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", false, err
	}

	byID := make(map[string]ManagerAPI, len(managers))
	for _, m := range managers {
		byID[m.ID()] = m
	}
	perHost := make(map[string]int)
	for _, spec := range g.Nodes {
		if _, ok := byID[spec.Host]; !ok {
			err := fmt.Errorf("node %s targets unknown manager %s: %w",
				spec.OID, spec.Host, dfmserrors.ErrGraphConstruction)
			span.SetStatus(codes.Error, err.Error())
			return "", false, err
		}
		perHost[spec.Host]++
	}

	sessionID := uuid.NewString()
	span.SetAttributes(attribute.String("session.id", sessionID))
	c.logger.Info("submitting graph",
		zap.String("session", sessionID),
		zap.String("graph", g.Name),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("managers", len(perHost)))

	// Phase one: reserve on every targeted manager, all-or-nothing.
	var reserved []ManagerAPI
	for host, count := range perHost {
		mgr := byID[host]
		if err := mgr.Reserve(ctx, sessionID, count); err != nil {
			c.logger.Warn("reservation declined, aborting submission",
				zap.String("session", sessionID),
				zap.String("manager", host),
				zap.Error(err))
			c.release(ctx, sessionID, reserved)
			span.SetStatus(codes.Error, "reservation declined")
			return sessionID, false, fmt.Errorf("submission of %s aborted: %w", g.Name, err)
		}
		reserved = append(reserved, mgr)
	}

	// Phase two: commit — create the instances, then wire the edges.
	session := &Session{
		ID:        sessionID,
		Graph:     g,
		managers:  byID,
		instances: make(map[string]instance, len(g.Nodes)),
	}
	for _, spec := range g.Nodes {
		uid, err := byID[spec.Host].Register(ctx, sessionID, spec)
		if err != nil {
			c.undo(ctx, sessionID, reserved)
			span.SetStatus(codes.Error, "commit failed")
			return sessionID, false, fmt.Errorf("failed to create %s on %s: %w", spec.OID, spec.Host, err)
		}
		session.instances[spec.OID] = instance{uid: uid, host: spec.Host}
	}

	if err := c.wire(ctx, session); err != nil {
		c.undo(ctx, sessionID, reserved)
		span.SetStatus(codes.Error, "wiring failed")
		return sessionID, false, fmt.Errorf("failed to wire session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	c.sessions[sessionID] = session
	c.mu.Unlock()

	span.SetStatus(codes.Ok, "graph submitted")
	c.logger.Info("graph submitted", zap.String("session", sessionID))
	return sessionID, true, nil
}

// wire creates the event subscriptions for every edge of the session's
// graph. Same-host edges are wired locally; cross-manager edges pair a
// forwarder on the producer's manager with a proxy binding on the
// consumer's manager.
func (c *Coordinator) wire(ctx context.Context, s *Session) error {
	for _, e := range s.Graph.Children {
		container := s.instances[e.From]
		child := s.instances[e.To]
		if err := s.managers[container.host].AddChild(ctx, container.uid, child.uid, child.host); err != nil {
			return err
		}
		if child.host != container.host {
			if err := s.managers[child.host].Forward(ctx, child.uid, container.uid, container.host); err != nil {
				return err
			}
		}
	}
	for _, e := range s.Graph.Consumes {
		producer := s.instances[e.From]
		consumer := s.instances[e.To]
		if producer.host == consumer.host {
			if err := s.managers[producer.host].Connect(ctx, producer.uid, consumer.uid); err != nil {
				return err
			}
			continue
		}
		if err := s.managers[producer.host].Forward(ctx, producer.uid, consumer.uid, consumer.host); err != nil {
			return err
		}
		if err := s.managers[consumer.host].BindProducer(ctx, consumer.uid, producer.uid, producer.host); err != nil {
			return err
		}
	}
	return nil
}

// release drops reservations after a declined submission.
func (c *Coordinator) release(ctx context.Context, sessionID string, reserved []ManagerAPI) {
	for _, mgr := range reserved {
		if err := mgr.Release(ctx, sessionID); err != nil {
			c.logger.Warn("failed to release reservation",
				zap.String("session", sessionID),
				zap.String("manager", mgr.ID()),
				zap.Error(err))
		}
	}
}

// undo tears down a half-committed submission.
func (c *Coordinator) undo(ctx context.Context, sessionID string, reserved []ManagerAPI) {
	for _, mgr := range reserved {
		if _, err := mgr.ShutdownSession(ctx, sessionID); err != nil {
			c.logger.Warn("failed to undo partial submission",
				zap.String("session", sessionID),
				zap.String("manager", mgr.ID()),
				zap.Error(err))
		}
		if err := mgr.Release(ctx, sessionID); err != nil {
			c.logger.Warn("failed to release reservation",
				zap.String("session", sessionID),
				zap.String("manager", mgr.ID()),
				zap.Error(err))
		}
	}
}

// Resolve returns the manager and instance ID hosting a logical node of a
// session.
func (c *Coordinator) Resolve(sessionID, oid string) (ManagerAPI, string, error) {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("session %s: %w", sessionID, dfmserrors.ErrUnknownNode)
	}
	inst, ok := s.instances[oid]
	if !ok {
		return nil, "", fmt.Errorf("node %s in session %s: %w", oid, sessionID, dfmserrors.ErrUnknownNode)
	}
	return s.managers[inst.host], inst.uid, nil
}

// Write injects external data into a logical node of a session.
func (c *Coordinator) Write(ctx context.Context, sessionID, oid string, p []byte) (int, error) {
	mgr, uid, err := c.Resolve(sessionID, oid)
	if err != nil {
		return 0, err
	}
	return mgr.Write(ctx, uid, p)
}

// Finalize completes a logical node of a session.
func (c *Coordinator) Finalize(ctx context.Context, sessionID, oid string) error {
	mgr, uid, err := c.Resolve(sessionID, oid)
	if err != nil {
		return err
	}
	return mgr.Finalize(ctx, uid)
}

// Abort cancels a session by failing all live roots of its graph; the ERROR
// cascades downstream through the normal event propagation path.
func (c *Coordinator) Abort(ctx context.Context, sessionID string, cause string) error {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, dfmserrors.ErrUnknownNode)
	}
	var errs error
	for _, oid := range s.Graph.Roots() {
		inst := s.instances[oid]
		if err := s.managers[inst.host].Fail(ctx, inst.uid, cause); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to abort %s: %w", oid, err))
		}
	}
	c.logger.Info("session aborted", zap.String("session", sessionID), zap.String("cause", cause))
	return errs
}

// Shutdown instructs every participating manager to tear the session down.
// Teardown is best-effort and non-transactional: per-manager status codes
// are collected and returned together with any errors; one manager's
// failure never prevents tearing down the rest.
func (c *Coordinator) Shutdown(ctx context.Context, sessionID string) (map[string]int, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Shutdown",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if !ok {
		span.SetStatus(codes.Error, "unknown session")
		return nil, fmt.Errorf("session %s: %w", sessionID, dfmserrors.ErrUnknownNode)
	}

	statuses := make(map[string]int, len(s.managers))
	var errs error
	for id, mgr := range s.managers {
		status, err := mgr.ShutdownSession(ctx, sessionID)
		statuses[id] = status
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("teardown on %s: %w", id, err))
			continue
		}
		if status != 0 {
			c.logger.Warn("forced teardown",
				zap.String("session", sessionID),
				zap.String("manager", id),
				zap.Int("status", status))
		}
	}
	if errs != nil {
		span.SetStatus(codes.Error, errs.Error())
	} else {
		span.SetStatus(codes.Ok, "session torn down")
	}
	c.logger.Info("session shutdown complete", zap.String("session", sessionID))
	return statuses, errs
}
