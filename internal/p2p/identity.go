package p2p

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// nodeIDFile holds the persisted node identity inside the data directory.
const nodeIDFile = "node.id"

// LoadOrCreateNodeID loads the node identity from dataDir, or generates a
// new one and saves it, so the ID survives restarts. An empty dataDir
// yields a fresh, unsaved ID.
func LoadOrCreateNodeID(dataDir string) (string, error) {
	if dataDir == "" {
		return uuid.NewString(), nil
	}
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id, err := uuid.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return "", fmt.Errorf("decode node id: %w", err)
		}
		return id.String(), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read node id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("save node id: %w", err)
	}
	return id, nil
}
