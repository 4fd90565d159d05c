package platform

import "fmt"

// Registry maps platform identifiers to their connector implementation.
type Registry struct {
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func (r *Registry) Register(platform string, c Connector) {
	r.connectors[platform] = c
}

func (r *Registry) Get(platform string) (Connector, error) {
	c, ok := r.connectors[platform]
	if !ok {
		return nil, fmt.Errorf("no connector registered for platform %q", platform)
	}
	return c, nil
}
