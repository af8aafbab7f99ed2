package vulns

import (
	"context"
	"sync"

	"github.com/stackwatch/stackwatch/internal/model"
)

// StaticSource is a lookup-table vulnerability source keyed on component
// name and version, used in place of a real feed. Unknown components return
// no records, not an error: absence of data is not a source failure.
type StaticSource struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewStaticSource creates a source over a (name, version) -> records table.
func NewStaticSource() *StaticSource {
	return &StaticSource{records: make(map[string][]Record)}
}

func sourceKey(name, version string) string {
	return name + "\x00" + version
}

// Add registers records for a component name/version pair.
func (s *StaticSource) Add(name, version string, recs ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey(name, version)
	s.records[key] = append(s.records[key], recs...)
}

// Vulnerabilities returns the registered records for the pair.
func (s *StaticSource) Vulnerabilities(ctx context.Context, name, version string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[sourceKey(name, version)]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// DefaultRecords seeds a source with a few well-known sample entries.
func DefaultRecords(s *StaticSource) {
	s.Add("Express", "4.16.0", Record{
		CVEID:            "CVE-2022-24999",
		Title:            "qs prototype pollution via Express query parsing",
		Severity:         model.SeverityHigh,
		AffectedVersions: []string{"<4.17.3"},
	})
	s.Add("Node.js", "16.14.0", Record{
		CVEID:            "CVE-2023-30581",
		Title:            "mainModule.proto bypass of policy mechanism",
		Severity:         model.SeverityMedium,
		AffectedVersions: []string{"<16.20.1"},
	})
}
