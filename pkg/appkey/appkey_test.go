package appkey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorrel-io/btmesh/pkg/subnet"
	"github.com/sorrel-io/btmesh/pkg/types"
)

func testKey(b byte) types.Key {
	var k types.Key
	k[0] = b
	return k
}

// testAppID keeps AIDs predictable: the first key byte masked to 6 bits.
func testAppID(k types.Key) (uint8, error) {
	return k[0] & 0x3f, nil
}

type recordedEvent struct {
	appIdx types.KeyIndex
	netIdx types.KeyIndex
	evt    types.KeyEvent
}

type fixture struct {
	subnets *subnet.Store
	mgr     *Manager
	events  []recordedEvent
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{subnets: subnet.NewStore()}
	_, err := f.subnets.Add(0x0000)
	require.NoError(t, err)

	cfg.Subnets = f.subnets
	if cfg.AppID == nil {
		cfg.AppID = testAppID
	}

	f.mgr, err = New(cfg)
	require.NoError(t, err)

	f.mgr.Subscribe(func(appIdx, netIdx types.KeyIndex, evt types.KeyEvent) {
		f.events = append(f.events, recordedEvent{appIdx, netIdx, evt})
	})

	return f
}

func (f *fixture) eventKinds() []types.KeyEvent {
	kinds := make([]types.KeyEvent, len(f.events))
	for i, e := range f.events {
		kinds[i] = e.evt
	}
	return kinds
}

func TestAddAndExists(t *testing.T) {
	f := newFixture(t, Config{})

	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))
	assert.True(t, f.mgr.Exists(0x0001))

	// Identical retransmission succeeds without another event.
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))
	assert.Equal(t, []types.KeyEvent{types.KeyAdded}, f.eventKinds())
}

func TestAddRejections(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.subnets.Add(0x0001)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))

	tests := []struct {
		name   string
		appIdx types.KeyIndex
		netIdx types.KeyIndex
		key    types.Key
		want   Status
	}{
		{"unknown subnet", 0x0002, 0x0123, testKey(2), StatusInvalidNetKey},
		{"value mismatch", 0x0001, 0x0000, testKey(9), StatusAlreadyStored},
		{"binding mismatch", 0x0001, 0x0001, testKey(1), StatusInvalidBinding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.mgr.Add(tt.appIdx, tt.netIdx, tt.key))
		})
	}

	// The stored value survived the rejected attempts.
	creds, err := f.mgr.ResolveTx(&MsgCtx{AppIdx: 0x0001})
	require.NoError(t, err)
	assert.Equal(t, testKey(1), creds.Key)
}

func TestAddTableFull(t *testing.T) {
	f := newFixture(t, Config{Capacity: 2})

	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0002, 0x0000, testKey(2)))
	assert.Equal(t, StatusInsufficientResources, f.mgr.Add(0x0003, 0x0000, testKey(3)))
}

func TestAddDerivationFailure(t *testing.T) {
	f := newFixture(t, Config{
		AppID: func(types.Key) (uint8, error) {
			return 0, errors.New("cmac unavailable")
		},
	})

	assert.Equal(t, StatusCannotSet, f.mgr.Add(0x0001, 0x0000, testKey(1)))
	assert.False(t, f.mgr.Exists(0x0001))
}

func TestUpdatePhaseGate(t *testing.T) {
	phases := []struct {
		phase subnet.KRPhase
		want  Status
	}{
		{subnet.KRNormal, StatusCannotUpdate},
		{subnet.KRPhase1, StatusSuccess},
		{subnet.KRPhase2, StatusCannotUpdate},
		{subnet.KRPhase3, StatusCannotUpdate},
	}

	for _, tt := range phases {
		t.Run(tt.phase.String(), func(t *testing.T) {
			f := newFixture(t, Config{})
			require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))

			f.subnets.Get(0x0000).Phase = tt.phase
			assert.Equal(t, tt.want, f.mgr.Update(0x0001, 0x0000, testKey(2)))

			if tt.want != StatusSuccess {
				// Rejected updates leave the record untouched.
				creds, err := f.mgr.ResolveTx(&MsgCtx{AppIdx: 0x0001})
				require.NoError(t, err)
				assert.Equal(t, testKey(1), creds.Key)
			}
		})
	}
}

func TestUpdateRejections(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))
	f.subnets.Get(0x0000).Phase = subnet.KRPhase1

	assert.Equal(t, StatusInvalidAppKey, f.mgr.Update(0x0099, types.KeyUnused, testKey(2)))
	assert.Equal(t, StatusInvalidBinding, f.mgr.Update(0x0001, 0x0042, testKey(2)))

	require.Equal(t, StatusSuccess, f.mgr.Update(0x0001, 0x0000, testKey(2)))
	// Idempotent retransmission, then a conflicting value.
	assert.Equal(t, StatusSuccess, f.mgr.Update(0x0001, types.KeyUnused, testKey(2)))
	assert.Equal(t, StatusAlreadyStored, f.mgr.Update(0x0001, types.KeyUnused, testKey(3)))
}

func TestDeleteIdempotent(t *testing.T) {
	f := newFixture(t, Config{})

	assert.Equal(t, StatusSuccess, f.mgr.Delete(0x0042, types.KeyUnused))
	assert.Empty(t, f.events)
}

func TestDeleteRejections(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.subnets.Add(0x0001)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))

	assert.Equal(t, StatusInvalidNetKey, f.mgr.Delete(0x0001, 0x0123))
	assert.Equal(t, StatusInvalidBinding, f.mgr.Delete(0x0001, 0x0001))
	assert.True(t, f.mgr.Exists(0x0001))

	require.Equal(t, StatusSuccess, f.mgr.Delete(0x0001, 0x0000))
	assert.False(t, f.mgr.Exists(0x0001))
	assert.Equal(t, []types.KeyEvent{types.KeyAdded, types.KeyDeleted}, f.eventKinds())
}

func TestSubnetDeleteCascades(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.subnets.Add(0x0001)
	require.NoError(t, err)

	require.Equal(t, StatusSuccess, f.mgr.Add(0x0010, 0x0000, testKey(1)))
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0011, 0x0000, testKey(2)))
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0020, 0x0001, testKey(3)))

	require.NoError(t, f.subnets.Delete(0x0000))

	assert.False(t, f.mgr.Exists(0x0010))
	assert.False(t, f.mgr.Exists(0x0011))
	assert.True(t, f.mgr.Exists(0x0020))
}

func TestSubnetRevokePromotesNewKey(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))

	// Revocation without a staged update is a no-op.
	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRPhase1))
	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRNormal))
	assert.NotContains(t, f.eventKinds(), types.KeyRevoked)

	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRPhase1))
	require.Equal(t, StatusSuccess, f.mgr.Update(0x0001, 0x0000, testKey(2)))
	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRNormal))

	assert.Contains(t, f.eventKinds(), types.KeyRevoked)

	// The new generation is now the sole key.
	creds, err := f.mgr.ResolveTx(&MsgCtx{AppIdx: 0x0001})
	require.NoError(t, err)
	assert.Equal(t, testKey(2), creds.Key)
	assert.Equal(t, StatusCannotUpdate, f.mgr.Update(0x0001, 0x0000, testKey(3)))
}

func TestSubnetSwapReemitsForUpdatedKeys(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0002, 0x0000, testKey(2)))

	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRPhase1))
	require.Equal(t, StatusSuccess, f.mgr.Update(0x0001, 0x0000, testKey(3)))

	f.events = nil
	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRPhase2))

	require.Len(t, f.events, 1)
	assert.Equal(t, recordedEvent{0x0001, 0x0000, types.KeySwapped}, f.events[0])
}

func TestIndexes(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.subnets.Add(0x0001)
	require.NoError(t, err)

	require.Equal(t, StatusSuccess, f.mgr.Add(0x0010, 0x0000, testKey(1)))
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0011, 0x0001, testKey(2)))
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0012, 0x0000, testKey(3)))

	dst := make([]types.KeyIndex, 8)

	n, err := f.mgr.Indexes(types.KeyAny, dst, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.KeyIndex{0x0010, 0x0011, 0x0012}, dst[:n])

	n, err = f.mgr.Indexes(0x0000, dst, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.KeyIndex{0x0010, 0x0012}, dst[:n])

	// Pagination: skip the first match, window holding the rest.
	n, err = f.mgr.Indexes(types.KeyAny, dst[:2], 1)
	require.NoError(t, err)
	assert.Equal(t, []types.KeyIndex{0x0011, 0x0012}, dst[:n])

	// A window smaller than the remaining matches is a capacity error,
	// not a truncated result.
	_, err = f.mgr.Indexes(types.KeyAny, dst[:1], 1)
	assert.ErrorIs(t, err, ErrNoSpace)

	// Window past the end is simply short.
	n, err = f.mgr.Indexes(types.KeyAny, dst[:2], 2)
	require.NoError(t, err)
	assert.Equal(t, []types.KeyIndex{0x0012}, dst[:n])

	_, err = f.mgr.Indexes(types.KeyAny, dst[:2], 0)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestReset(t *testing.T) {
	f := newFixture(t, Config{})
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, testKey(1)))
	require.Equal(t, StatusSuccess, f.mgr.Add(0x0002, 0x0000, testKey(2)))

	f.mgr.Reset()

	assert.False(t, f.mgr.Exists(0x0001))
	assert.False(t, f.mgr.Exists(0x0002))

	n, err := f.mgr.Indexes(types.KeyAny, make([]types.KeyIndex, 4), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, Config{})

	newKey := testKey(2)
	require.NoError(t, f.mgr.Restore(0x0001, 0x0000, testKey(1), &newKey))
	assert.True(t, f.mgr.Exists(0x0001))
	// Restore is silent: no events, nothing scheduled.
	assert.Empty(t, f.events)

	// Re-restoring an existing index is a no-op.
	require.NoError(t, f.mgr.Restore(0x0001, 0x0000, testKey(9), nil))
	creds, err := f.mgr.ResolveTx(&MsgCtx{AppIdx: 0x0001})
	require.NoError(t, err)
	assert.Equal(t, testKey(1), creds.Key)

	// The staged generation survived the restore.
	f.subnets.Get(0x0000).Phase = subnet.KRPhase2
	creds, err = f.mgr.ResolveTx(&MsgCtx{AppIdx: 0x0001})
	require.NoError(t, err)
	assert.Equal(t, newKey, creds.Key)
}

func TestRestoreDerivationFailure(t *testing.T) {
	f := newFixture(t, Config{
		AppID: func(types.Key) (uint8, error) {
			return 0, errors.New("cmac unavailable")
		},
	})

	err := f.mgr.Restore(0x0001, 0x0000, testKey(1), nil)
	assert.ErrorIs(t, err, ErrRestoreFailed)
}

func TestKeyRefreshScenario(t *testing.T) {
	f := newFixture(t, Config{})
	k1, k2 := testKey(1), testKey(2)

	require.Equal(t, StatusSuccess, f.mgr.Add(0x0001, 0x0000, k1))
	assert.True(t, f.mgr.Exists(0x0001))

	// Update is rejected outside Phase 1.
	assert.Equal(t, StatusCannotUpdate, f.mgr.Update(0x0001, 0x0000, k2))

	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRPhase1))
	require.Equal(t, StatusSuccess, f.mgr.Update(0x0001, 0x0000, k2))

	// Phase 2 transmits with the new generation.
	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRPhase2))
	creds, err := f.mgr.ResolveTx(&MsgCtx{AppIdx: 0x0001})
	require.NoError(t, err)
	assert.Equal(t, k2, creds.Key)

	// Key refresh completion promotes the new generation.
	require.NoError(t, f.subnets.SetPhase(0x0000, subnet.KRNormal))
	creds, err = f.mgr.ResolveTx(&MsgCtx{AppIdx: 0x0001})
	require.NoError(t, err)
	assert.Equal(t, k2, creds.Key)
	assert.Contains(t, f.eventKinds(), types.KeyRevoked)
}
