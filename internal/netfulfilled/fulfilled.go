// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netfulfilled

import (
	"net/netip"
	"time"

	"github.com/decred/dcrd/container/lru"
)

const (
	// DefaultExpiry is how long a fulfilled request is remembered.
	DefaultExpiry = time.Hour

	// DefaultLimit is the maximum number of fulfilled requests remembered.
	// The least recently used entries are evicted beyond it.
	DefaultLimit = 100000
)

// request identifies a fulfilled request.
type request struct {
	addr netip.AddrPort
	name string
}

// Manager tracks fulfilled requests.  It is safe for concurrent access.
type Manager struct {
	requests *lru.Set[request]
}

// New returns a manager that remembers up to limit requests for the provided
// time to live.
func New(limit uint32, ttl time.Duration) *Manager {
	return &Manager{requests: lru.NewSetWithDefaultTTL[request](limit, ttl)}
}

// NewDefault returns a manager using DefaultLimit and DefaultExpiry.
func NewDefault() *Manager {
	return New(DefaultLimit, DefaultExpiry)
}

// Add marks the named request as fulfilled for the address.
func (m *Manager) Add(addr netip.AddrPort, name string) {
	m.requests.Put(request{addr: addr, name: name})
}

// Has returns whether the named request was fulfilled for the address and
// has not expired yet.
func (m *Manager) Has(addr netip.AddrPort, name string) bool {
	return m.requests.Exists(request{addr: addr, name: name})
}

// Remove forgets the named request for the address.
func (m *Manager) Remove(addr netip.AddrPort, name string) {
	m.requests.Delete(request{addr: addr, name: name})
}

// Len returns the number of remembered requests, including any expired ones
// that have not been evicted yet.
func (m *Manager) Len() int {
	return int(m.requests.Len())
}

// Expire evicts all expired requests.
func (m *Manager) Expire() {
	m.requests.EvictExpiredNow()
}

// Clear forgets all requests.
func (m *Manager) Clear() {
	m.requests.Clear()
}
