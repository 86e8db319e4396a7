package backends

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/goccy/go-json"
)

const maxDeliverableSize = 4 * 1024 * 1024

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidNodeID reports whether id is safe to use in a deliverable path.
func ValidNodeID(id string) bool {
	return nodeIDPattern.MatchString(id)
}

// DeliverablePath returns <workDir>/.output/block-<nodeID>.json.
func DeliverablePath(workDir, nodeID string) string {
	return filepath.Join(workDir, ".output", "block-"+nodeID+".json")
}

// ReadDeliverable loads the JSON object an agent wrote for nodeID.
// A missing, oversized or malformed file yields ok=false.
func ReadDeliverable(workDir, nodeID string) (map[string]any, bool) {
	if workDir == "" || !ValidNodeID(nodeID) {
		return nil, false
	}
	path := DeliverablePath(workDir, nodeID)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxDeliverableSize {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}
