// Package registry maps logical service names to network addresses.
//
// The registry is populated once at process start and never mutated, so it is
// safe for unbounded concurrent lookups without locking.
package registry

import (
	"fmt"
	"sort"
)

// ServiceProfile holds the resolved details for a logical service. It is an
// immutable value and is cheap to copy.
type ServiceProfile struct {
	Addr string `json:"addr"`
}

// NewServiceProfile creates a profile for the given host:port address.
func NewServiceProfile(addr string) ServiceProfile {
	return ServiceProfile{Addr: addr}
}

// UnknownServiceError is returned when a name has no registry entry. Service
// names frequently come from configuration, so a miss must surface as a
// recoverable error rather than a crash.
type UnknownServiceError struct {
	Name string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("registry: unknown service %q", e.Name)
}

// Registry is an immutable mapping from service name to ServiceProfile.
type Registry struct {
	entries map[string]ServiceProfile
}

// New builds a registry from the given entries. The map is copied, so callers
// may reuse or discard theirs afterwards.
func New(entries map[string]ServiceProfile) *Registry {
	copied := make(map[string]ServiceProfile, len(entries))
	for name, profile := range entries {
		copied[name] = profile
	}
	return &Registry{entries: copied}
}

// Lookup returns the profile registered under name, or *UnknownServiceError
// when no entry exists.
func (r *Registry) Lookup(name string) (ServiceProfile, error) {
	profile, ok := r.entries[name]
	if !ok {
		return ServiceProfile{}, &UnknownServiceError{Name: name}
	}
	return profile, nil
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered services.
func (r *Registry) Len() int {
	return len(r.entries)
}
