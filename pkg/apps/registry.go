// Package apps provides the built-in application logic units that can be
// embedded in consumer nodes, plus the registry node managers use to
// instantiate logic from a graph descriptor.
package apps

import (
	"fmt"
	"sync"

	"github.com/cnwangfeng/dfms/pkg/node"
)

// Factory builds a logic instance from per-stage configuration.
type Factory func(config map[string]string) (node.Logic, error)

// Registry maps application names to logic factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry pre-populated with the built-in apps.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("crc", func(config map[string]string) (node.Logic, error) {
		return CRCResult{}, nil
	})
	r.Register("sum-checksum", func(config map[string]string) (node.Logic, error) {
		return ChecksumSum{}, nil
	})
	r.Register("grep", func(config map[string]string) (node.Logic, error) {
		substring, ok := config["substring"]
		if !ok {
			return nil, fmt.Errorf("grep requires a substring")
		}
		return Grep{Substring: substring}, nil
	})
	r.Register("sort", func(config map[string]string) (node.Logic, error) {
		return SortLines{}, nil
	})
	r.Register("reverse", func(config map[string]string) (node.Logic, error) {
		return ReverseTokens{}, nil
	})
	r.Register("casemap", func(config map[string]string) (node.Logic, error) {
		return NewCaseMap(config["mode"])
	})
	r.Register("script", func(config map[string]string) (node.Logic, error) {
		source, ok := config["source"]
		if !ok {
			return nil, fmt.Errorf("script requires a source")
		}
		return Script{Source: source}, nil
	})
	return r
}

// Register adds or replaces a factory under the given name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the named logic with the given configuration.
func (r *Registry) Create(name string, config map[string]string) (node.Logic, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown application logic %q", name)
	}
	return factory(config)
}
