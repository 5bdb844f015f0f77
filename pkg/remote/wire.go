// Package remote carries the node manager surface across process
// boundaries: a Server exposes a local manager over the messaging
// transport, and client stubs (ManagerClient, NodeProxy, Forwarder) give
// other processes the same Go interfaces the local objects implement.
// Requests and replies are JSON envelopes over request/reply messaging.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
	"github.com/cnwangfeng/dfms/pkg/graph"
	"github.com/cnwangfeng/dfms/pkg/node"
)

// Operation suffixes appended to a manager's subject prefix.
const (
	opReserve  = "reserve"
	opRelease  = "release"
	opRegister = "register"
	opConnect  = "connect"
	opForward  = "forward"
	opBind     = "bind"
	opChild    = "child"
	opWrite    = "write"
	opFinalize = "finalize"
	opFail     = "fail"
	opLookup   = "lookup"
	opContents = "contents"
	opNotify   = "notify"
	opShutdown = "shutdown"
)

// envelope is the reply wrapper: either a body or a coded error.
type envelope struct {
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type reserveRequest struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}

type releaseRequest struct {
	SessionID string `json:"sessionId"`
}

type registerRequest struct {
	SessionID string         `json:"sessionId"`
	Spec      graph.NodeSpec `json:"spec"`
}

type registerResponse struct {
	UID string `json:"uid"`
}

type connectRequest struct {
	ProducerUID string `json:"producerUid"`
	ConsumerUID string `json:"consumerUid"`
}

type forwardRequest struct {
	ProducerUID  string `json:"producerUid"`
	ConsumerUID  string `json:"consumerUid"`
	ConsumerHost string `json:"consumerHost"`
}

type bindRequest struct {
	ConsumerUID  string `json:"consumerUid"`
	ProducerUID  string `json:"producerUid"`
	ProducerHost string `json:"producerHost"`
}

type childRequest struct {
	ContainerUID string `json:"containerUid"`
	ChildUID     string `json:"childUid"`
	ChildHost    string `json:"childHost"`
}

type writeRequest struct {
	UID  string `json:"uid"`
	Data []byte `json:"data"`
}

type writeResponse struct {
	Written int `json:"written"`
}

type uidRequest struct {
	UID string `json:"uid"`
}

type failRequest struct {
	UID   string `json:"uid"`
	Cause string `json:"cause"`
}

// NodeInfo is a remotely observable snapshot of a node's identity and
// state.
type NodeInfo struct {
	UID          string     `json:"uid"`
	OID          string     `json:"oid"`
	State        node.State `json:"state"`
	IsContainer  bool       `json:"isContainer"`
	Checksum     uint32     `json:"checksum"`
	BytesWritten int64      `json:"bytesWritten,omitempty"`
}

type contentsResponse struct {
	Data []byte `json:"data"`
}

type notifyRequest struct {
	ConsumerUID string      `json:"consumerUid"`
	Event       event.Event `json:"event"`
}

type shutdownRequest struct {
	SessionID string `json:"sessionId"`
}

type shutdownResponse struct {
	Status int `json:"status"`
}

// Error codes carried in reply envelopes so the sentinel identity of an
// error survives the process boundary.
const (
	codeInvalidState        = "INVALID_STATE_TRANSITION"
	codeDuplicateConsumer   = "DUPLICATE_CONSUMER"
	codeUnknownNode         = "UNKNOWN_NODE"
	codeGraphConstruction   = "GRAPH_CONSTRUCTION"
	codeResourceUnavailable = "RESOURCE_UNAVAILABLE"
	codeDeliveryFailed      = "DELIVERY_FAILED"
	codeNodeFailed          = "NODE_FAILED"
	codeInternal            = "INTERNAL"
)

func codeOf(err error) string {
	switch {
	case errors.Is(err, dfmserrors.ErrInvalidStateTransition):
		return codeInvalidState
	case errors.Is(err, dfmserrors.ErrDuplicateConsumer):
		return codeDuplicateConsumer
	case errors.Is(err, dfmserrors.ErrUnknownNode):
		return codeUnknownNode
	case errors.Is(err, dfmserrors.ErrGraphConstruction):
		return codeGraphConstruction
	case errors.Is(err, dfmserrors.ErrResourceUnavailable):
		return codeResourceUnavailable
	case errors.Is(err, dfmserrors.ErrDeliveryFailed):
		return codeDeliveryFailed
	case errors.Is(err, dfmserrors.ErrNodeFailed):
		return codeNodeFailed
	default:
		return codeInternal
	}
}

func errFromEnvelope(env envelope) error {
	var sentinel error
	switch env.Code {
	case codeInvalidState:
		sentinel = dfmserrors.ErrInvalidStateTransition
	case codeDuplicateConsumer:
		sentinel = dfmserrors.ErrDuplicateConsumer
	case codeUnknownNode:
		sentinel = dfmserrors.ErrUnknownNode
	case codeGraphConstruction:
		sentinel = dfmserrors.ErrGraphConstruction
	case codeResourceUnavailable:
		sentinel = dfmserrors.ErrResourceUnavailable
	case codeDeliveryFailed:
		sentinel = dfmserrors.ErrDeliveryFailed
	case codeNodeFailed:
		sentinel = dfmserrors.ErrNodeFailed
	default:
		return fmt.Errorf("remote call failed: %s", env.Error)
	}
	return fmt.Errorf("remote call failed: %s: %w", env.Error, sentinel)
}
