package worker

import (
	"os"
	"path/filepath"

	"github.com/nixcore/nixd/pkg/storepath"
)

// readStoreFile reads a store object's raw bytes directly off disk, for
// the handful of callers (the query_missing planner, derivation-goal
// input realisation) that need a ".drv"'s text content rather than
// anything store.ReadStore's capability interfaces expose.
func readStoreFile(storeDir string, path storepath.Path) ([]byte, error) {
	return os.ReadFile(filepath.Join(storeDir, path.String()))
}
