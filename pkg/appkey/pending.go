package appkey

import "github.com/sorrel-io/btmesh/pkg/types"

// pendingWrite tracks one key index awaiting a durable store or clear.
// Tracked separately from the key table because a deleted key's slot becomes
// invalid and may be reused before the write lands.
type pendingWrite struct {
	keyIdx types.KeyIndex
	valid  bool
	clear  bool
}

// pendingFind returns the valid entry for keyIdx, if any, and the first free
// slot encountered.
func (m *Manager) pendingFind(keyIdx types.KeyIndex) (match, free *pendingWrite) {
	for i := range m.pending {
		entry := &m.pending[i]
		if !entry.valid {
			if free == nil {
				free = entry
			}
			continue
		}
		if entry.keyIdx == keyIdx {
			match = entry
		}
	}
	return match, free
}

func (m *Manager) scheduleStore(appIdx types.KeyIndex) {
	m.updateSettings(appIdx, false)
}

func (m *Manager) scheduleClear(appIdx types.KeyIndex) {
	m.updateSettings(appIdx, true)
}

// updateSettings marks a key dirty, coalescing with any pending entry for
// the same index. With the tracker full, the write happens immediately so
// the change is never dropped.
func (m *Manager) updateSettings(appIdx types.KeyIndex, clear bool) {
	if m.store == nil {
		return
	}

	match, free := m.pendingFind(appIdx)
	if match != nil {
		match.clear = clear
		m.schedule()
		return
	}

	if free == nil {
		if clear {
			m.clearKey(appIdx)
		} else {
			m.storeKey(appIdx)
		}
		return
	}

	free.valid = true
	free.keyIdx = appIdx
	free.clear = clear
	m.schedule()
}

func (m *Manager) schedule() {
	if m.scheduler != nil {
		m.scheduler.Schedule()
	}
}

// Flush drains the pending-write tracker, performing the durable store or
// clear for every dirty key. Entries are consumed regardless of I/O outcome;
// the in-memory table stays the source of truth and failures are only
// logged.
func (m *Manager) Flush() {
	for i := range m.pending {
		entry := &m.pending[i]
		if !entry.valid {
			continue
		}

		if entry.clear {
			m.clearKey(entry.keyIdx)
		} else {
			m.storeKey(entry.keyIdx)
		}

		entry.valid = false
	}
}

func (m *Manager) storeKey(appIdx types.KeyIndex) {
	app := m.get(appIdx)
	if app == nil {
		m.log.Warnw("pending store for missing key", "app_idx", appIdx)
		return
	}

	val, err := encodeStored(app)
	if err != nil {
		m.log.Errorw("failed to encode appkey", "app_idx", appIdx, "error", err)
		return
	}

	if err := m.store.StoreValue(PathFor(appIdx), val); err != nil {
		m.log.Errorw("failed to store appkey", "app_idx", appIdx, "error", err)
		return
	}

	m.log.Debugw("stored appkey", "app_idx", appIdx)
}

func (m *Manager) clearKey(appIdx types.KeyIndex) {
	if err := m.store.ClearValue(PathFor(appIdx)); err != nil {
		m.log.Errorw("failed to clear appkey", "app_idx", appIdx, "error", err)
		return
	}

	m.log.Debugw("cleared appkey", "app_idx", appIdx)
}
