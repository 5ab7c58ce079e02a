// Package campaignid assigns and persists the stable identifier for a
// campaign run, used to tag every audit record and MQTT discovery
// message emitted during that run.
package campaignid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreate reads the run ID from a file in dataDir, or generates a
// new UUIDv7 and persists it if the file does not exist. Grounded on
// the instance-ID persistence pattern used for device identifiers
// elsewhere in this codebase.
func LoadOrCreate(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "run_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run ID: %w", err)
	}

	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist run ID to %s: %w", path, err)
	}

	return idStr, nil
}

// New generates a fresh UUIDv7 without persisting it, for identifiers
// scoped to something shorter-lived than a whole campaign (a single
// chamber program upload, a single audit incident).
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
