package dstc

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const AppName = "dstc_ctl_v1"

// ControlType is the kind of a control message
type ControlType string

const (
	ControlAnnounce ControlType = "announce"
	ControlWithdraw ControlType = "withdraw"
)

// ControlMessage advertises which server functions a node provides. It
// travels next to call packets, never inside them.
type ControlMessage struct {
	App       string   `msgpack:"app"`
	ID        string   `msgpack:"id"`
	Type      string   `msgpack:"type"`
	NodeID    uint32   `msgpack:"node_id"`
	Functions []string `msgpack:"functions,omitempty"`
	Timestamp float64  `msgpack:"timestamp"`
}

// NewControlMessage creates a new control message with defaults
func NewControlMessage(nodeID uint32) *ControlMessage {
	return &ControlMessage{
		App:       AppName,
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// CreateAnnounce creates an announcement of the node's server functions
func CreateAnnounce(nodeID uint32, functions []string) *ControlMessage {
	msg := NewControlMessage(nodeID)
	msg.Type = string(ControlAnnounce)
	msg.Functions = append([]string(nil), functions...)
	return msg
}

// CreateWithdraw creates a message telling peers the node is leaving
func CreateWithdraw(nodeID uint32) *ControlMessage {
	msg := NewControlMessage(nodeID)
	msg.Type = string(ControlWithdraw)
	return msg
}

// Pack serializes the message to msgpack
func (m *ControlMessage) Pack() ([]byte, error) {
	return msgpack.Marshal(m)
}

const (
	maxControlSize    = 1024 * 1024
	maxFunctionCount  = 10000
	maxFunctionLength = 1024
)

// UnpackControl deserializes a control message with safety validations
func UnpackControl(data []byte) (*ControlMessage, error) {
	if len(data) > maxControlSize {
		return nil, fmt.Errorf("control message size %d exceeds limit %d", len(data), maxControlSize)
	}

	var msg ControlMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	if msg.App != AppName {
		return nil, fmt.Errorf("unexpected app %q", msg.App)
	}
	switch ControlType(msg.Type) {
	case ControlAnnounce, ControlWithdraw:
	default:
		return nil, fmt.Errorf("unknown control type %q", msg.Type)
	}

	if math.IsNaN(msg.Timestamp) || math.IsInf(msg.Timestamp, 0) {
		msg.Timestamp = 0.0
	}

	if len(msg.Functions) > maxFunctionCount {
		return nil, fmt.Errorf("function list of %d entries exceeds limit %d", len(msg.Functions), maxFunctionCount)
	}
	for i, name := range msg.Functions {
		if name == "" || len(name) > maxFunctionLength {
			return nil, fmt.Errorf("function %d: invalid name length %d", i, len(name))
		}
	}

	return &msg, nil
}

// peerTable tracks which remote node announced which function.
type peerTable struct {
	mu    sync.RWMutex
	nodes map[uint32][]string
	funcs map[string]map[uint32]struct{}
}

func newPeerTable() *peerTable {
	return &peerTable{
		nodes: make(map[uint32][]string),
		funcs: make(map[string]map[uint32]struct{}),
	}
}

// apply records msg. An announcement replaces everything the node announced
// before. It reports whether the table changed.
func (p *peerTable) apply(msg *ControlMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	withdraw := ControlType(msg.Type) == ControlWithdraw
	names := append([]string{}, msg.Functions...)
	slices.Sort(names)

	old, known := p.nodes[msg.NodeID]
	if withdraw && !known {
		return false
	}
	if !withdraw && known && slices.Equal(old, names) {
		return false
	}

	for _, name := range old {
		delete(p.funcs[name], msg.NodeID)
		if len(p.funcs[name]) == 0 {
			delete(p.funcs, name)
		}
	}
	if withdraw {
		delete(p.nodes, msg.NodeID)
		return true
	}

	p.nodes[msg.NodeID] = names
	for _, name := range names {
		set, ok := p.funcs[name]
		if !ok {
			set = make(map[uint32]struct{})
			p.funcs[name] = set
		}
		set[msg.NodeID] = struct{}{}
	}
	return true
}

func (p *peerTable) announced(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.funcs[name]) > 0
}

func (p *peerTable) peerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.nodes)
}
