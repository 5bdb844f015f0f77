package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cnwangfeng/dfms/pkg/manager"
	"github.com/cnwangfeng/dfms/pkg/node"
)

// Server exposes one local manager's surface on the transport. Every
// operation of the manager API maps to one request subject under the
// manager's prefix.
type Server struct {
	mgr       *manager.Manager
	transport Transport
	prefix    string
	logger    *zap.Logger
	subs      []Subscription
}

// NewServer creates a server for mgr, addressed at the prefix discovery
// resolves for the manager's ID.
func NewServer(mgr *manager.Manager, transport Transport, discovery Discovery, logger *zap.Logger) (*Server, error) {
	if mgr == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if discovery == nil {
		return nil, fmt.Errorf("discovery cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix, err := discovery.Resolve(mgr.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own prefix: %w", err)
	}
	return &Server{
		mgr:       mgr,
		transport: transport,
		prefix:    prefix,
		logger:    logger.With(zap.String("manager", mgr.ID())),
	}, nil
}

// Start registers the request handlers for every manager operation.
func (s *Server) Start() error {
	handlers := map[string]Handler{
		opReserve:  s.handleReserve,
		opRelease:  s.handleRelease,
		opRegister: s.handleRegister,
		opConnect:  s.handleConnect,
		opForward:  s.handleForward,
		opBind:     s.handleBind,
		opChild:    s.handleChild,
		opWrite:    s.handleWrite,
		opFinalize: s.handleFinalize,
		opFail:     s.handleFail,
		opLookup:   s.handleLookup,
		opContents: s.handleContents,
		opNotify:   s.handleNotify,
		opShutdown: s.handleShutdown,
	}
	for op, handler := range handlers {
		sub, err := s.transport.Subscribe(s.prefix+"."+op, handler)
		if err != nil {
			_ = s.Stop()
			return fmt.Errorf("failed to serve %s: %w", op, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("manager surface serving", zap.String("prefix", s.prefix))
	return nil
}

// Stop withdraws the request handlers.
func (s *Server) Stop() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}

// reply wraps a handler result into the JSON envelope.
func reply(body interface{}, err error) ([]byte, error) {
	var env envelope
	if err != nil {
		env.Error = err.Error()
		env.Code = codeOf(err)
	} else if body != nil {
		raw, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, marshalErr
		}
		env.Body = raw
	}
	return json.Marshal(env)
}

func (s *Server) handleReserve(data []byte) ([]byte, error) {
	var req reserveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.Reserve(context.Background(), req.SessionID, req.Count))
}

func (s *Server) handleRelease(data []byte) ([]byte, error) {
	var req releaseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.Release(context.Background(), req.SessionID))
}

func (s *Server) handleRegister(data []byte) ([]byte, error) {
	var req registerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	uid, err := s.mgr.Register(context.Background(), req.SessionID, req.Spec)
	if err != nil {
		return reply(nil, err)
	}
	return reply(registerResponse{UID: uid}, nil)
}

func (s *Server) handleConnect(data []byte) ([]byte, error) {
	var req connectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.Connect(context.Background(), req.ProducerUID, req.ConsumerUID))
}

func (s *Server) handleForward(data []byte) ([]byte, error) {
	var req forwardRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.Forward(context.Background(), req.ProducerUID, req.ConsumerUID, req.ConsumerHost))
}

func (s *Server) handleBind(data []byte) ([]byte, error) {
	var req bindRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.BindProducer(context.Background(), req.ConsumerUID, req.ProducerUID, req.ProducerHost))
}

func (s *Server) handleChild(data []byte) ([]byte, error) {
	var req childRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.AddChild(context.Background(), req.ContainerUID, req.ChildUID, req.ChildHost))
}

func (s *Server) handleWrite(data []byte) ([]byte, error) {
	var req writeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	written, err := s.mgr.Write(context.Background(), req.UID, req.Data)
	if err != nil {
		return reply(nil, err)
	}
	return reply(writeResponse{Written: written}, nil)
}

func (s *Server) handleFinalize(data []byte) ([]byte, error) {
	var req uidRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.Finalize(context.Background(), req.UID))
}

func (s *Server) handleFail(data []byte) ([]byte, error) {
	var req failRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.Fail(context.Background(), req.UID, req.Cause))
}

func (s *Server) handleLookup(data []byte) ([]byte, error) {
	var req uidRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	n, err := s.mgr.Lookup(context.Background(), req.UID)
	if err != nil {
		return reply(nil, err)
	}
	resp := NodeInfo{
		UID:         n.InstanceID(),
		OID:         n.ObjectID(),
		State:       n.State(),
		IsContainer: n.IsContainer(),
		Checksum:    n.Checksum(),
	}
	if counter, ok := n.(interface{ BytesWritten() int64 }); ok {
		resp.BytesWritten = counter.BytesWritten()
	}
	return reply(resp, nil)
}

func (s *Server) handleContents(data []byte) ([]byte, error) {
	var req uidRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	n, err := s.mgr.Lookup(context.Background(), req.UID)
	if err != nil {
		return reply(nil, err)
	}
	contents, err := node.AllContents(n)
	if err != nil {
		return reply(nil, err)
	}
	return reply(contentsResponse{Data: contents}, nil)
}

func (s *Server) handleNotify(data []byte) ([]byte, error) {
	var req notifyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	return reply(nil, s.mgr.Notify(context.Background(), req.ConsumerUID, req.Event))
}

func (s *Server) handleShutdown(data []byte) ([]byte, error) {
	var req shutdownRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return reply(nil, err)
	}
	status, err := s.mgr.ShutdownSession(context.Background(), req.SessionID)
	if err != nil {
		return reply(nil, err)
	}
	return reply(shutdownResponse{Status: status}, nil)
}
