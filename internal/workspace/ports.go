package workspace

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
)

const (
	DefaultPortMin = 9000
	DefaultPortMax = 9999
)

type claimedURLLister interface {
	ListClaimedURLs(ctx context.Context, excludeID string) ([]string, error)
}

// PortAllocator hands out host ports for workspaces. A port is free when no other student's
// registry URL names it, no in-flight allocation holds it, and it can be bound on this host.
type PortAllocator struct {
	min, max int
	claims   claimedURLLister
	probe    func(port int) bool
	intn     func(n int) int

	mu       sync.Mutex
	reserved map[int]struct{}
}

type PortOption func(*PortAllocator)

// WithProbe replaces the host bind check.
func WithProbe(probe func(port int) bool) PortOption {
	return func(a *PortAllocator) { a.probe = probe }
}

// WithStart fixes the scan start offset function, for deterministic tests.
func WithStart(intn func(n int) int) PortOption {
	return func(a *PortAllocator) { a.intn = intn }
}

func NewPortAllocator(min, max int, claims claimedURLLister, opts ...PortOption) *PortAllocator {
	if min <= 0 || max < min {
		min, max = DefaultPortMin, DefaultPortMax
	}
	a := &PortAllocator{
		min:      min,
		max:      max,
		claims:   claims,
		probe:    hostPortFree,
		intn:     rand.Intn,
		reserved: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate reserves a port for studentID. The reservation holds until Release.
func (a *PortAllocator) Allocate(ctx context.Context, studentID string) (int, error) {
	urls, err := a.claims.ListClaimedURLs(ctx, studentID)
	if err != nil {
		return 0, fmt.Errorf("failed to list claimed workspace urls: %w", err)
	}
	taken := make(map[int]struct{}, len(urls))
	for _, raw := range urls {
		if port, ok := portOf(raw); ok {
			taken[port] = struct{}{}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	start := a.intn(size)
	for i := 0; i < size; i++ {
		port := a.min + (start+i)%size
		if _, ok := taken[port]; ok {
			continue
		}
		if _, ok := a.reserved[port]; ok {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, ErrNoPortAvailable
}

func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

func portOf(raw string) (int, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Port() == "" {
		return 0, false
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0, false
	}
	return port, true
}

func hostPortFree(port int) bool {
	l, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
