package updates

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/model"
)

// StaticVersionSource is a lookup-table version source, used in place of a
// real registry. Lookups for unknown components fail as upstream errors so
// the checker degrades the same way it would for a dead registry.
type StaticVersionSource struct {
	mu       sync.RWMutex
	versions map[string]string
}

// NewStaticVersionSource creates a source over the given name -> latest
// version table.
func NewStaticVersionSource(versions map[string]string) *StaticVersionSource {
	m := make(map[string]string, len(versions))
	for k, v := range versions {
		m[k] = v
	}
	return &StaticVersionSource{versions: m}
}

// DefaultVersions is the seed table used when none is configured.
var DefaultVersions = map[string]string{
	"Node.js":    "18.15.0",
	"React":      "18.2.0",
	"Express":    "4.18.2",
	"PostgreSQL": "15.2",
	"MongoDB":    "6.0.5",
	"Redis":      "7.0.10",
	"nginx":      "1.23.4",
	"Go":         "1.23.0",
	"Python":     "3.12.2",
	"Django":     "5.0.3",
}

// LatestVersion returns the table entry for the component name.
func (s *StaticVersionSource) LatestVersion(ctx context.Context, name string, typ model.ComponentType) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.versions[name]; ok {
		return v, nil
	}
	return "", errs.Upstream("version source", fmt.Errorf("no version data for %q", name))
}

// Set adds or replaces a table entry.
func (s *StaticVersionSource) Set(name, latest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[name] = latest
}
