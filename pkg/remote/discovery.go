package remote

import (
	"fmt"
	"sync"
)

// Discovery resolves a manager identifier to the subject prefix its remote
// surface is served on. The concrete naming infrastructure behind it is
// deployment plumbing; the engine only requires this resolution call.
type Discovery interface {
	Resolve(managerID string) (string, error)
}

// SubjectPrefix is the conventional subject prefix for a manager's remote
// surface.
func SubjectPrefix(managerID string) string {
	return fmt.Sprintf("dfms.mgr.%s", managerID)
}

// StaticDiscovery resolves managers from a fixed table, falling back to the
// conventional subject prefix for unknown IDs.
type StaticDiscovery struct {
	mu       sync.RWMutex
	prefixes map[string]string
}

// NewStaticDiscovery creates a discovery table. A nil map is allowed; every
// manager then resolves to its conventional prefix.
func NewStaticDiscovery(prefixes map[string]string) *StaticDiscovery {
	if prefixes == nil {
		prefixes = make(map[string]string)
	}
	return &StaticDiscovery{prefixes: prefixes}
}

// Add registers or replaces a manager's subject prefix.
func (d *StaticDiscovery) Add(managerID, prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefixes[managerID] = prefix
}

// Resolve implements Discovery.
func (d *StaticDiscovery) Resolve(managerID string) (string, error) {
	if managerID == "" {
		return "", fmt.Errorf("manager id cannot be empty")
	}
	d.mu.RLock()
	prefix, ok := d.prefixes[managerID]
	d.mu.RUnlock()
	if ok {
		return prefix, nil
	}
	return SubjectPrefix(managerID), nil
}
