package model

import (
	"fmt"
	"time"
)

// ComponentType classifies what kind of technology a component is.
type ComponentType string

const (
	ComponentLanguage  ComponentType = "language"
	ComponentFramework ComponentType = "framework"
	ComponentLibrary   ComponentType = "library"
	ComponentDatabase  ComponentType = "database"
	ComponentContainer ComponentType = "container"
	ComponentOther     ComponentType = "other"
)

// ComponentTypes lists all valid component types.
var ComponentTypes = []ComponentType{
	ComponentLanguage, ComponentFramework, ComponentLibrary,
	ComponentDatabase, ComponentContainer, ComponentOther,
}

// Severity orders vulnerabilities from most to least urgent.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRanks = map[Severity]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
	SeverityInfo:     0,
}

// Rank returns the severity's position in the total order
// critical > high > medium > low > info. Unknown severities rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the five known severities.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// AtLeast reports whether s is as severe as min or more.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// VulnStatus tracks the remediation state of a vulnerability.
type VulnStatus string

const (
	VulnOpen          VulnStatus = "open"
	VulnFixed         VulnStatus = "fixed"
	VulnMitigated     VulnStatus = "mitigated"
	VulnFalsePositive VulnStatus = "false_positive"
	VulnWontFix       VulnStatus = "wont_fix"
)

// ServiceStatus is the derived security state of a service.
type ServiceStatus string

const (
	StatusSecure     ServiceStatus = "secure"
	StatusVulnerable ServiceStatus = "vulnerable"
	StatusOutdated   ServiceStatus = "outdated"
	StatusUnknown    ServiceStatus = "unknown"
)

// Component is a piece of technology observed on one or more services.
// Identity is the (name, version) pair; documents are shared across services
// and never deleted while referenced.
type Component struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Version         string        `json:"version"`
	Type            ComponentType `json:"type"`
	LatestVersion   string        `json:"latest_version,omitempty"`
	UpdateAvailable bool          `json:"update_available"`
	LastChecked     time.Time     `json:"last_checked,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Clone returns a deep copy of the component.
func (c *Component) Clone() *Component {
	cp := *c
	return &cp
}

// Vulnerability is an observed weakness, optionally linked to a CVE.
// Immutable once created except for Status transitions.
type Vulnerability struct {
	ID               string     `json:"id"`
	CVEID            string     `json:"cve_id,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Severity         Severity   `json:"severity"`
	Status           VulnStatus `json:"status"`
	AffectedVersions []string   `json:"affected_versions,omitempty"`
	DiscoveredAt     time.Time  `json:"discovered_at"`
}

// Clone returns a deep copy of the vulnerability.
func (v *Vulnerability) Clone() *Vulnerability {
	cp := *v
	cp.AffectedVersions = append([]string(nil), v.AffectedVersions...)
	return &cp
}

// VulnerabilityRef associates a vulnerability with the component it was
// found on, within the context of one service.
type VulnerabilityRef struct {
	ComponentID     string `json:"component_id"`
	VulnerabilityID string `json:"vulnerability_id"`
}

// Service is the aggregate root of the derived state. It exclusively owns
// its component and vulnerability association lists; the referenced
// documents are shared.
type Service struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	ComponentIDs    []string           `json:"component_ids"`
	Vulnerabilities []VulnerabilityRef `json:"vulnerabilities"`
	Status          ServiceStatus      `json:"status"`
	LastScan        time.Time          `json:"last_scan,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`

	// DocVersion is the optimistic concurrency counter. Every successful
	// whole-document write increments it; a compare-and-swap against a
	// stale value fails with a conflict.
	DocVersion int64 `json:"doc_version"`
}

// Clone returns a deep copy of the service.
func (s *Service) Clone() *Service {
	cp := *s
	cp.ComponentIDs = append([]string(nil), s.ComponentIDs...)
	cp.Vulnerabilities = append([]VulnerabilityRef(nil), s.Vulnerabilities...)
	return &cp
}

// HasComponent reports whether the component is already associated.
func (s *Service) HasComponent(componentID string) bool {
	for _, id := range s.ComponentIDs {
		if id == componentID {
			return true
		}
	}
	return false
}

// AddComponent associates a component with set semantics; adding an
// already-present reference is a no-op. Returns true if added.
func (s *Service) AddComponent(componentID string) bool {
	if s.HasComponent(componentID) {
		return false
	}
	s.ComponentIDs = append(s.ComponentIDs, componentID)
	return true
}

// HasVulnerability reports whether the (component, vulnerability) pair is
// already associated.
func (s *Service) HasVulnerability(componentID, vulnerabilityID string) bool {
	for _, ref := range s.Vulnerabilities {
		if ref.ComponentID == componentID && ref.VulnerabilityID == vulnerabilityID {
			return true
		}
	}
	return false
}

// AddVulnerability associates a (component, vulnerability) pair with set
// semantics. Returns true if added.
func (s *Service) AddVulnerability(componentID, vulnerabilityID string) bool {
	if s.HasVulnerability(componentID, vulnerabilityID) {
		return false
	}
	s.Vulnerabilities = append(s.Vulnerabilities, VulnerabilityRef{
		ComponentID:     componentID,
		VulnerabilityID: vulnerabilityID,
	})
	return true
}

// NotificationType classifies notifications for routing and preferences.
type NotificationType string

const (
	NotifyVulnerability NotificationType = "vulnerability"
	NotifyUpdate        NotificationType = "update"
	NotifyReport        NotificationType = "report"
	NotifySystem        NotificationType = "system"
	NotifyUser          NotificationType = "user"
)

// Notification is a persisted, deduplicated alert about a single fact on a
// single service. An empty Recipients set means "all privileged users",
// resolved by the dispatcher at delivery time rather than stored expanded.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Severity   Severity         `json:"severity"`
	ServiceID  string           `json:"service_id"`
	FactKind   string           `json:"fact_kind"`
	FactID     string           `json:"fact_id"`
	Title      string           `json:"title"`
	Message    string           `json:"message,omitempty"`
	Recipients []string         `json:"recipients,omitempty"`
	Read       bool             `json:"read"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// DedupeKey identifies "the same notification-worthy event". Creating a
// second notification with an equal key is a no-op.
func (n *Notification) DedupeKey() string {
	return DedupeKey(n.ServiceID, n.FactKind, n.FactID)
}

// DedupeKey builds the (service, factKind, factID) deduplication key.
func DedupeKey(serviceID, factKind, factID string) string {
	return fmt.Sprintf("%s/%s/%s", serviceID, factKind, factID)
}

// Clone returns a deep copy of the notification.
func (n *Notification) Clone() *Notification {
	cp := *n
	cp.Recipients = append([]string(nil), n.Recipients...)
	return &cp
}

// ReportSummary holds the counters a report snapshot freezes.
type ReportSummary struct {
	TotalServices           int `json:"total_services"`
	SecureServices          int `json:"secure_services"`
	VulnerableServices      int `json:"vulnerable_services"`
	OutdatedServices        int `json:"outdated_services"`
	UnknownServices         int `json:"unknown_services"`
	TotalComponents         int `json:"total_components"`
	ComponentsWithUpdates   int `json:"components_with_updates"`
	CriticalVulnerabilities int `json:"critical_vulnerabilities"`
	HighVulnerabilities     int `json:"high_vulnerabilities"`
	MediumVulnerabilities   int `json:"medium_vulnerabilities"`
	LowVulnerabilities      int `json:"low_vulnerabilities"`
	InfoVulnerabilities     int `json:"info_vulnerabilities"`
}

// Recommendation is one entry of a report's deterministic advice list.
type Recommendation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report is a frozen aggregate over a set of services, never mutated after
// creation.
type Report struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Format          string           `json:"format"`
	ServiceIDs      []string         `json:"service_ids"`
	Summary         ReportSummary    `json:"summary"`
	Recommendations []Recommendation `json:"recommendations"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	cp := *r
	cp.ServiceIDs = append([]string(nil), r.ServiceIDs...)
	cp.Recommendations = append([]Recommendation(nil), r.Recommendations...)
	return &cp
}

// Role controls which notifications a user is privileged to receive.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleViewer    Role = "viewer"
)

// PrivilegedRoles are the roles resolved for critical and high severity
// notifications and for the stored empty recipient set.
var PrivilegedRoles = []Role{RoleAdmin, RoleDeveloper}

// User is a notification recipient with per-type opt-in preferences.
type User struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Email       string                    `json:"email,omitempty"`
	Role        Role                      `json:"role"`
	Preferences map[NotificationType]bool `json:"preferences,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// WantsNotification reports whether the user opted in to the given type.
func (u *User) WantsNotification(t NotificationType) bool {
	return u.Preferences[t]
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	cp := *u
	if u.Preferences != nil {
		cp.Preferences = make(map[NotificationType]bool, len(u.Preferences))
		for k, v := range u.Preferences {
			cp.Preferences[k] = v
		}
	}
	return &cp
}
