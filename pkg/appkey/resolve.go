package appkey

import (
	"fmt"

	"github.com/sorrel-io/btmesh/pkg/subnet"
	"github.com/sorrel-io/btmesh/pkg/types"
)

// MsgCtx describes an outbound message for key resolution. AppIdx selects
// either a table entry or, via the device-key sentinels, a device key; for
// device keys NetIdx names the subnet to send on.
type MsgCtx struct {
	NetIdx types.KeyIndex
	AppIdx types.KeyIndex
	Addr   types.Addr
}

// TxCreds is the material selected for an outbound message.
type TxCreds struct {
	Subnet *subnet.Subnet
	Key    types.Key
	AID    uint8
}

// devKeySource is the closed set of ways a device key can be resolved.
type devKeySource int

const (
	devKeyLocal devKeySource = iota
	devKeyRemote
	devKeyUnresolved
)

func (m *Manager) devKeySource(ctx *MsgCtx) devKeySource {
	if ctx.AppIdx == types.KeyDevRemote && (m.local == nil || !m.local.HasAddr(ctx.Addr)) {
		if m.directory == nil || !m.directory.Enabled() {
			return devKeyUnresolved
		}
		return devKeyRemote
	}

	if m.local == nil {
		return devKeyUnresolved
	}
	return devKeyLocal
}

// ResolveTx selects the key material for an outbound message. For app keys
// the new generation is used while the bound subnet is in Key Refresh
// Phase 2 and an update has been staged; device keys always carry AID 0.
func (m *Manager) ResolveTx(ctx *MsgCtx) (TxCreds, error) {
	if ctx.AppIdx.IsDevKey() {
		// With device keys the application picks the subnet to send on.
		sub := m.subnets.Get(ctx.NetIdx)
		if sub == nil {
			m.log.Warnw("unknown netkey", "net_idx", ctx.NetIdx)
			return TxCreds{}, fmt.Errorf("%w: %v", ErrSubnetNotFound, ctx.NetIdx)
		}

		var key types.Key
		switch m.devKeySource(ctx) {
		case devKeyLocal:
			key = m.local.DevKey()
		case devKeyRemote:
			k, ok := m.directory.DevKey(ctx.Addr)
			if !ok {
				m.log.Warnw("no devkey in directory", "addr", ctx.Addr)
				return TxCreds{}, fmt.Errorf("%w: %v", ErrDevKeyUnresolved, ctx.Addr)
			}
			key = k
		case devKeyUnresolved:
			m.log.Warnw("no devkey", "addr", ctx.Addr)
			return TxCreds{}, fmt.Errorf("%w: %v", ErrDevKeyUnresolved, ctx.Addr)
		}

		return TxCreds{Subnet: sub, Key: key, AID: 0}, nil
	}

	app := m.get(ctx.AppIdx)
	if app == nil {
		m.log.Warnw("unknown appkey", "app_idx", ctx.AppIdx)
		return TxCreds{}, fmt.Errorf("%w: %v", ErrKeyNotFound, ctx.AppIdx)
	}

	// Cascading deletion keeps bindings pointing at live subnets, but a
	// vanished subnet still has to fail resolution rather than panic.
	sub := m.subnets.Get(app.netIdx)
	if sub == nil {
		m.log.Warnw("unknown netkey", "net_idx", app.netIdx)
		return TxCreds{}, fmt.Errorf("%w: %v", ErrSubnetNotFound, app.netIdx)
	}

	selected := &app.creds[0]
	if sub.Phase == subnet.KRPhase2 && app.updated {
		selected = &app.creds[1]
	}

	return TxCreds{Subnet: sub, Key: selected.val, AID: selected.id}, nil
}

// RxEnv describes a received message for inbound key resolution.
type RxEnv struct {
	// Subnet the message arrived on.
	Subnet *subnet.Subnet
	// Addr is the source element address.
	Addr types.Addr
	// Dst is the destination address.
	Dst types.Addr
	// LocalIf marks loopback delivery; the remote directory is skipped.
	LocalIf bool
	// NewKey is set when the wire framing indicates new-generation
	// network credentials.
	NewKey bool
}

// TryDecrypt attempts authentication/decryption with a candidate key and
// returns nil on success.
type TryDecrypt func(key types.Key) error

// FindRx iterates the candidate keys matching an inbound message and
// returns the index of the first one the callback accepts.
//
// Distinct app keys may derive colliding AIDs; candidates are tried in table
// order until one verifies. Generation selection per candidate is security
// relevant: the new generation is tried exactly when the new-key framing was
// observed and that record has a staged update.
//
// Device keys resolve to types.KeyDevRemote or types.KeyDevLocal; no match
// returns types.KeyUnused.
func (m *Manager) FindRx(devKey bool, aid uint8, rx *RxEnv, try TryDecrypt) types.KeyIndex {
	if devKey {
		// Try the remote directory first: it only exists on
		// provisioners, which normally talk to nodes that don't know
		// the provisioner's own device key.
		if m.directory != nil && m.directory.Enabled() && !rx.LocalIf {
			if key, ok := m.directory.DevKey(rx.Addr); ok && try(key) == nil {
				return types.KeyDevRemote
			}
		}

		// The device key is only valid for unicast destinations.
		if rx.Dst.IsUnicast() && m.local != nil && try(m.local.DevKey()) == nil {
			return types.KeyDevLocal
		}

		return types.KeyUnused
	}

	for i := range m.keys {
		app := &m.keys[i]
		if app.appIdx == types.KeyUnused || app.netIdx != rx.Subnet.NetIdx {
			continue
		}

		selected := &app.creds[0]
		if rx.NewKey && app.updated {
			selected = &app.creds[1]
		}

		if selected.id != aid {
			continue
		}

		if err := try(selected.val); err != nil {
			continue
		}

		return app.appIdx
	}

	return types.KeyUnused
}
