package appkey

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sorrel-io/btmesh/pkg/settings"
	"github.com/sorrel-io/btmesh/pkg/types"
)

// PathPrefix is the settings namespace for persisted AppKey records.
const PathPrefix = "bt_mesh/AppKey/"

// PathFor returns the settings key for one AppKey index.
func PathFor(appIdx types.KeyIndex) string {
	return fmt.Sprintf("%s%x", PathPrefix, uint16(appIdx))
}

// IndexFromPath recovers the AppKey index from a settings key.
func IndexFromPath(path string) (types.KeyIndex, error) {
	raw, ok := strings.CutPrefix(path, PathPrefix)
	if !ok {
		return types.KeyUnused, fmt.Errorf("not an appkey settings path: %q", path)
	}
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return types.KeyUnused, fmt.Errorf("bad appkey settings path %q: %w", path, err)
	}
	return types.KeyIndex(v), nil
}

// StoredKey is the persisted form of one AppKey record.
type StoredKey struct {
	NetIdx  uint16 `yaml:"netIdx"`
	Updated bool   `yaml:"updated,omitempty"`
	Key     string `yaml:"key"`
	NewKey  string `yaml:"newKey,omitempty"`
}

func encodeStored(app *appKey) ([]byte, error) {
	rec := StoredKey{
		NetIdx:  uint16(app.netIdx),
		Updated: app.updated,
		Key:     app.creds[0].val.String(),
	}
	if app.updated {
		rec.NewKey = app.creds[1].val.String()
	}

	b, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal appkey record: %w", err)
	}
	return b, nil
}

// DecodeStored parses a persisted AppKey record.
func DecodeStored(val []byte) (StoredKey, error) {
	rec := StoredKey{}
	if err := yaml.Unmarshal(val, &rec); err != nil {
		return StoredKey{}, fmt.Errorf("unmarshal appkey record: %w", err)
	}
	return rec, nil
}

// RestoreStored feeds every persisted AppKey record in the settings file to
// the manager. Called once during stack startup, before normal operation.
func RestoreStored(m *Manager, f *settings.File) error {
	return f.Range(PathPrefix, func(path string, val []byte) error {
		appIdx, err := IndexFromPath(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRestoreFailed, err)
		}

		rec, err := DecodeStored(val)
		if err != nil {
			return fmt.Errorf("%w: %v: %w", ErrRestoreFailed, appIdx, err)
		}

		old, err := types.KeyFromHex(rec.Key)
		if err != nil {
			return fmt.Errorf("%w: %v: %w", ErrRestoreFailed, appIdx, err)
		}

		var latest *types.Key
		if rec.Updated {
			k, err := types.KeyFromHex(rec.NewKey)
			if err != nil {
				return fmt.Errorf("%w: %v: %w", ErrRestoreFailed, appIdx, err)
			}
			latest = &k
		}

		return m.Restore(appIdx, types.KeyIndex(rec.NetIdx), old, latest)
	})
}
