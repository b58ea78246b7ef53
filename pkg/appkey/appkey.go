// Package appkey owns the mesh application key table: the lifecycle of keys
// bound to network subnets, resolution of which key material authenticates
// a message, and the batching of persistent-storage writes for key changes.
//
// The manager follows the stack's single-threaded run-to-completion model:
// no operation blocks and there is no internal locking. Callers must confine
// all calls, including scheduler flushes and subnet event delivery, to one
// logical thread of control.
package appkey

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sorrel-io/btmesh/pkg/meshcrypto"
	"github.com/sorrel-io/btmesh/pkg/settings"
	"github.com/sorrel-io/btmesh/pkg/subnet"
	"github.com/sorrel-io/btmesh/pkg/types"
)

// DefaultCapacity bounds the key table when Config leaves Capacity unset.
const DefaultCapacity = 16

// cred is one key generation: the key value and its derived application
// identifier.
type cred struct {
	id  uint8
	val types.Key
}

// appKey is one slot in the key table. creds[1] is meaningful only while
// updated is true.
type appKey struct {
	netIdx  types.KeyIndex
	appIdx  types.KeyIndex
	updated bool
	creds   [2]cred
}

// SubnetStore is the subnet collaborator: lookup by NetKey index and event
// subscription for cascading key lifecycle changes.
type SubnetStore interface {
	Get(netIdx types.KeyIndex) *subnet.Subnet
	Subscribe(fn subnet.EventFunc)
}

// LocalNode supplies the node's own device key and address ownership checks.
type LocalNode interface {
	DevKey() types.Key
	HasAddr(addr types.Addr) bool
}

// Directory is the provisioner-role device key directory.
type Directory interface {
	Enabled() bool
	DevKey(addr types.Addr) (types.Key, bool)
}

// EventFunc receives AppKey lifecycle events.
type EventFunc func(appIdx, netIdx types.KeyIndex, evt types.KeyEvent)

type Config struct {
	// Capacity bounds the key table. Defaults to DefaultCapacity.
	Capacity int
	// PendingCapacity bounds the pending-write tracker. Defaults to
	// Capacity.
	PendingCapacity int
	// Subnets is required.
	Subnets SubnetStore
	// AppID derives an application identifier from a key. Defaults to
	// meshcrypto.AppID.
	AppID func(types.Key) (uint8, error)
	// Local is required for device-key resolution.
	Local LocalNode
	// Directory is optional; absent on non-provisioner nodes.
	Directory Directory
	// Store is the durable settings store. Nil disables persistence.
	Store settings.Store
	// Scheduler batches flushes of pending writes. Nil means the caller
	// drives Flush directly.
	Scheduler *settings.Scheduler
}

// Manager is the AppKey subsystem. It is the sole owner of the key table
// and the pending-write tracker.
type Manager struct {
	log       *zap.SugaredLogger
	subnets   SubnetStore
	appID     func(types.Key) (uint8, error)
	local     LocalNode
	directory Directory
	store     settings.Store
	scheduler *settings.Scheduler
	keys      []appKey
	pending   []pendingWrite
	listeners []EventFunc
}

// New builds a manager and subscribes it to subnet lifecycle events so that
// subnet deletion and key refresh cascade into the key table.
func New(cfg Config) (*Manager, error) {
	if cfg.Subnets == nil {
		return nil, errors.New("appkey: subnet store is required")
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	pendingCap := cfg.PendingCapacity
	if pendingCap <= 0 {
		pendingCap = capacity
	}
	appID := cfg.AppID
	if appID == nil {
		appID = meshcrypto.AppID
	}

	m := &Manager{
		log:       zap.S().Named("appkey"),
		subnets:   cfg.Subnets,
		appID:     appID,
		local:     cfg.Local,
		directory: cfg.Directory,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		keys:      make([]appKey, capacity),
		pending:   make([]pendingWrite, pendingCap),
	}

	for i := range m.keys {
		m.keys[i].appIdx = types.KeyUnused
		m.keys[i].netIdx = types.KeyUnused
	}

	m.subnets.Subscribe(m.handleSubnetEvent)
	if m.scheduler != nil {
		m.scheduler.Register(m.Flush)
	}

	return m, nil
}

// Subscribe registers a lifecycle event listener. Registration order is
// dispatch order.
func (m *Manager) Subscribe(fn EventFunc) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(app *appKey, evt types.KeyEvent) {
	for _, fn := range m.listeners {
		fn(app.appIdx, app.netIdx, evt)
	}
}

// get returns the slot holding appIdx, or nil.
func (m *Manager) get(appIdx types.KeyIndex) *appKey {
	for i := range m.keys {
		if m.keys[i].appIdx == appIdx {
			return &m.keys[i]
		}
	}
	return nil
}

// alloc returns the slot already holding appIdx if there is one, else the
// first empty slot, else nil.
func (m *Manager) alloc(appIdx types.KeyIndex) *appKey {
	var free *appKey
	for i := range m.keys {
		if m.keys[i].appIdx == appIdx {
			return &m.keys[i]
		}
		if free == nil && m.keys[i].appIdx == types.KeyUnused {
			free = &m.keys[i]
		}
	}
	return free
}

// Add creates an AppKey bound to an existing subnet. Retransmissions of an
// identical add succeed without mutating state.
func (m *Manager) Add(appIdx, netIdx types.KeyIndex, key types.Key) Status {
	m.log.Debugw("add", "app_idx", appIdx, "net_idx", netIdx)

	if m.subnets.Get(netIdx) == nil {
		return StatusInvalidNetKey
	}

	app := m.alloc(appIdx)
	if app == nil {
		return StatusInsufficientResources
	}

	if app.appIdx == appIdx {
		if app.netIdx != netIdx {
			return StatusInvalidBinding
		}
		if app.creds[0].val != key {
			return StatusAlreadyStored
		}
		return StatusSuccess
	}

	id, err := m.appID(key)
	if err != nil {
		m.log.Warnw("aid derivation failed", "app_idx", appIdx, "error", err)
		return StatusCannotSet
	}

	app.netIdx = netIdx
	app.appIdx = appIdx
	app.updated = false
	app.creds[0] = cred{id: id, val: key}

	m.log.Debugw("added", "app_idx", appIdx, "aid", id)

	m.scheduleStore(appIdx)
	m.notify(app, types.KeyAdded)

	return StatusSuccess
}

// Update stages a second key generation for a key whose subnet is in Key
// Refresh Phase 1. Outside that window the update is rejected: the message
// is only legal while the network is collecting new key material.
func (m *Manager) Update(appIdx, netIdx types.KeyIndex, key types.Key) Status {
	m.log.Debugw("update", "app_idx", appIdx, "net_idx", netIdx)

	app := m.get(appIdx)
	if app == nil {
		return StatusInvalidAppKey
	}

	if netIdx != types.KeyUnused && app.netIdx != netIdx {
		return StatusInvalidBinding
	}

	sub := m.subnets.Get(app.netIdx)
	if sub == nil {
		return StatusInvalidNetKey
	}

	if sub.Phase != subnet.KRPhase1 {
		return StatusCannotUpdate
	}

	if app.updated {
		if app.creds[1].val != key {
			return StatusAlreadyStored
		}
		return StatusSuccess
	}

	id, err := m.appID(key)
	if err != nil {
		m.log.Warnw("aid derivation failed", "app_idx", appIdx, "error", err)
		return StatusCannotUpdate
	}

	app.updated = true
	app.creds[1] = cred{id: id, val: key}

	m.log.Debugw("updated", "app_idx", appIdx, "aid", id)

	m.scheduleStore(appIdx)
	m.notify(app, types.KeyUpdated)

	return StatusSuccess
}

// Delete removes an AppKey. An unknown index succeeds: the request may be a
// retry of a delete whose response was lost.
func (m *Manager) Delete(appIdx, netIdx types.KeyIndex) Status {
	m.log.Debugw("delete", "app_idx", appIdx, "net_idx", netIdx)

	if netIdx != types.KeyUnused && m.subnets.Get(netIdx) == nil {
		return StatusInvalidNetKey
	}

	app := m.get(appIdx)
	if app == nil {
		return StatusSuccess
	}

	if netIdx != types.KeyUnused && netIdx != app.netIdx {
		return StatusInvalidBinding
	}

	m.del(app)
	return StatusSuccess
}

func (m *Manager) del(app *appKey) {
	m.scheduleClear(app.appIdx)
	m.notify(app, types.KeyDeleted)

	app.netIdx = types.KeyUnused
	app.appIdx = types.KeyUnused
	app.updated = false
	app.creds = [2]cred{}
}

// revoke finalizes a key refresh: the new generation becomes the sole key.
func (m *Manager) revoke(app *appKey) {
	if !app.updated {
		return
	}

	app.creds[0] = app.creds[1]
	app.creds[1] = cred{}
	app.updated = false

	m.scheduleStore(app.appIdx)
	m.notify(app, types.KeyRevoked)
}

func (m *Manager) handleSubnetEvent(sub *subnet.Subnet, evt types.KeyEvent) {
	if evt == types.KeyAdded || evt == types.KeyUpdated {
		return
	}

	for i := range m.keys {
		app := &m.keys[i]
		if app.appIdx == types.KeyUnused || app.netIdx != sub.NetIdx {
			continue
		}

		switch evt {
		case types.KeyDeleted:
			m.del(app)
		case types.KeyRevoked:
			m.revoke(app)
		case types.KeySwapped:
			// The promotion happens on the revoke; dependents still
			// need to hear that transmission switched generations.
			if app.updated {
				m.notify(app, types.KeySwapped)
			}
		}
	}
}

// Restore rematerializes a key from a persisted record during startup. It
// does not emit events or schedule writes: the record is durable already.
func (m *Manager) Restore(appIdx, netIdx types.KeyIndex, old types.Key, latest *types.Key) error {
	app := m.alloc(appIdx)
	if app == nil {
		return fmt.Errorf("%w: no free slot for %v", ErrRestoreFailed, appIdx)
	}

	if app.appIdx == appIdx {
		return nil
	}

	id, err := m.appID(old)
	if err != nil {
		return fmt.Errorf("%w: derive aid for %v: %w", ErrRestoreFailed, appIdx, err)
	}
	app.creds[0] = cred{id: id, val: old}

	if latest != nil {
		id, err := m.appID(*latest)
		if err != nil {
			app.creds[0] = cred{}
			return fmt.Errorf("%w: derive new aid for %v: %w", ErrRestoreFailed, appIdx, err)
		}
		app.creds[1] = cred{id: id, val: *latest}
	}

	app.netIdx = netIdx
	app.appIdx = appIdx
	app.updated = latest != nil

	m.log.Debugw("restored", "app_idx", appIdx, "net_idx", netIdx, "updated", app.updated)
	return nil
}

// Exists reports whether an AppKey with the given index is present.
func (m *Manager) Exists(appIdx types.KeyIndex) bool {
	return m.get(appIdx) != nil
}

// Indexes writes the AppKey indexes bound to netIdx (or all keys for
// types.KeyAny) into dst, skipping the first skip matches, and returns how
// many were written. ErrNoSpace reports a result exceeding dst.
func (m *Manager) Indexes(netIdx types.KeyIndex, dst []types.KeyIndex, skip int) (int, error) {
	count := 0
	for i := range m.keys {
		app := &m.keys[i]
		if app.appIdx == types.KeyUnused {
			continue
		}
		if netIdx != types.KeyAny && app.netIdx != netIdx {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if count >= len(dst) {
			return 0, ErrNoSpace
		}
		dst[count] = app.appIdx
		count++
	}
	return count, nil
}

// Reset deletes every key in the table. Used on node reset.
func (m *Manager) Reset() {
	for i := range m.keys {
		if m.keys[i].appIdx != types.KeyUnused {
			m.del(&m.keys[i])
		}
	}
}
