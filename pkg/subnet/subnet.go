// Package subnet tracks network subnets and their Key Refresh phase, and
// fans subnet key lifecycle events out to subscribed subsystems (app keys,
// proxy filtering, friendship).
package subnet

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sorrel-io/btmesh/pkg/types"
)

var (
	ErrNotFound = errors.New("subnet: not found")
	ErrExists   = errors.New("subnet: already exists")
)

// KRPhase is a subnet's Key Refresh Procedure phase.
type KRPhase uint8

const (
	KRNormal KRPhase = iota
	KRPhase1         // new key distribution window
	KRPhase2         // new key in use for transmission
	KRPhase3         // revocation of the old key
)

func (p KRPhase) String() string {
	if p == KRNormal {
		return "normal"
	}
	return fmt.Sprintf("phase-%d", uint8(p))
}

// Subnet is a single network subnet handle.
type Subnet struct {
	NetIdx types.KeyIndex
	Phase  KRPhase
}

// EventFunc receives subnet key lifecycle events.
type EventFunc func(sub *Subnet, evt types.KeyEvent)

// Store is the subnet registry. Listeners are registered explicitly via
// Subscribe before the stack starts handling traffic; all calls must be
// serialized by the caller.
type Store struct {
	log       *zap.SugaredLogger
	subs      map[types.KeyIndex]*Subnet
	listeners []EventFunc
}

func NewStore() *Store {
	return &Store{
		log:  zap.S().Named("subnet"),
		subs: make(map[types.KeyIndex]*Subnet),
	}
}

// Subscribe registers a listener for subnet key events. Registration order
// is dispatch order.
func (s *Store) Subscribe(fn EventFunc) {
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(sub *Subnet, evt types.KeyEvent) {
	s.log.Debugw("subnet event", "net_idx", sub.NetIdx, "event", evt)
	for _, fn := range s.listeners {
		fn(sub, evt)
	}
}

// Add creates a subnet in normal operation.
func (s *Store) Add(netIdx types.KeyIndex) (*Subnet, error) {
	if _, ok := s.subs[netIdx]; ok {
		return nil, fmt.Errorf("%w: %v", ErrExists, netIdx)
	}

	sub := &Subnet{NetIdx: netIdx}
	s.subs[netIdx] = sub
	s.notify(sub, types.KeyAdded)
	return sub, nil
}

// Get returns the subnet with the given index, or nil.
func (s *Store) Get(netIdx types.KeyIndex) *Subnet {
	return s.subs[netIdx]
}

func (s *Store) Exists(netIdx types.KeyIndex) bool {
	_, ok := s.subs[netIdx]
	return ok
}

// Delete removes a subnet and notifies listeners, cascading deletion of
// any keys bound to it.
func (s *Store) Delete(netIdx types.KeyIndex) error {
	sub, ok := s.subs[netIdx]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, netIdx)
	}

	delete(s.subs, netIdx)
	s.notify(sub, types.KeyDeleted)
	return nil
}

// SetPhase moves a subnet to the given Key Refresh phase. Entering Phase 2
// notifies listeners that transmission has swapped to the new key; returning
// to normal operation notifies that the old key has been revoked. Phase
// transition legality is the Key Refresh owner's concern, not enforced here.
func (s *Store) SetPhase(netIdx types.KeyIndex, phase KRPhase) error {
	sub, ok := s.subs[netIdx]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, netIdx)
	}

	prev := sub.Phase
	sub.Phase = phase

	switch {
	case phase == KRPhase2 && prev != KRPhase2:
		s.notify(sub, types.KeySwapped)
	case phase == KRNormal && prev != KRNormal:
		s.notify(sub, types.KeyRevoked)
	}

	return nil
}
