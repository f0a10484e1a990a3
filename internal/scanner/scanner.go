package scanner

import (
	"context"
	"fmt"
	"time"

	"FeedPoster/internal/domain"
)

// Request carries all parameters required to execute a scan.
type Request struct {
	Source domain.SourceDescriptor
	Since  time.Time
	Until  time.Time
}

// Scanner captures a single strategy implementation (RSS, NVD, JVN).
type Scanner interface {
	Name() string
	Scan(ctx context.Context, req Request) ([]domain.CandidateItem, error)
}

// Registry keeps a mapping from source types to their scanners.
type Registry struct {
	scanners map[string]Scanner
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: map[string]Scanner{}}
}

// Register adds or replaces a scanner implementation.
func (r *Registry) Register(scanner Scanner) {
	if r.scanners == nil {
		r.scanners = map[string]Scanner{}
	}
	r.scanners[scanner.Name()] = scanner
}

// Resolve returns a scanner by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Scanner, error) {
	if scanner, ok := r.scanners[name]; ok {
		return scanner, nil
	}
	return nil, fmt.Errorf("scanner %s is not registered", name)
}
