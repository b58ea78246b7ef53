// Package cdb is the provisioner-role configuration database: the directory
// of provisioned nodes and their device keys, keyed by primary unicast
// address. Nodes that are not provisioners leave the store disabled.
package cdb

import (
	"go.uber.org/zap"

	"github.com/sorrel-io/btmesh/pkg/types"

	"github.com/google/uuid"
)

// Node is one provisioned device.
type Node struct {
	UUID   uuid.UUID
	Addr   types.Addr
	DevKey types.Key
}

type Store struct {
	log     *zap.SugaredLogger
	nodes   map[types.Addr]*Node
	enabled bool
}

func NewStore() *Store {
	return &Store{
		log:   zap.S().Named("cdb"),
		nodes: make(map[types.Addr]*Node),
	}
}

// Enable turns the directory on. Only enabled directories answer lookups;
// a non-provisioner node keeps its directory disabled.
func (s *Store) Enable() {
	s.enabled = true
}

func (s *Store) Enabled() bool {
	return s.enabled
}

// AddNode records a provisioned device under its primary unicast address.
func (s *Store) AddNode(addr types.Addr, devKey types.Key) *Node {
	n := &Node{
		UUID:   uuid.New(),
		Addr:   addr,
		DevKey: devKey,
	}
	s.nodes[addr] = n
	s.log.Debugw("node added", "addr", addr, "uuid", n.UUID)
	return n
}

func (s *Store) Node(addr types.Addr) (*Node, bool) {
	if !s.enabled {
		return nil, false
	}
	n, ok := s.nodes[addr]
	return n, ok
}

// DevKey returns the device key of the node with the given unicast address.
func (s *Store) DevKey(addr types.Addr) (types.Key, bool) {
	n, ok := s.Node(addr)
	if !ok {
		return types.Key{}, false
	}
	return n.DevKey, true
}
