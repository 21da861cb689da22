package node

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vazonhub/rhizome/internal/rhizid"
)

// loadOrCreateIdentity reads a 20-byte identity file at path, generating and
// persisting a fresh random identifier if absent.
func loadOrCreateIdentity(path string) (rhizid.ID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != rhizid.IDLen {
			return rhizid.ID{}, fmt.Errorf("identity file %s: want %d bytes, got %d", path, rhizid.IDLen, len(data))
		}
		var id rhizid.ID
		copy(id[:], data)
		return id, nil
	}
	if !os.IsNotExist(err) {
		return rhizid.ID{}, fmt.Errorf("read identity file %s: %w", path, err)
	}

	id, err := rhizid.GenerateID()
	if err != nil {
		return rhizid.ID{}, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return rhizid.ID{}, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, id[:], 0o600); err != nil {
		return rhizid.ID{}, fmt.Errorf("write identity file %s: %w", path, err)
	}
	return id, nil
}
