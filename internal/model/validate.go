package model

import (
	"strings"

	"github.com/stackwatch/stackwatch/internal/errs"
)

// ValidateComponentInput checks a discovered component before any store
// write, returning a ValidationError on the first violated rule.
func ValidateComponentInput(name, version string, typ ComponentType) error {
	if strings.TrimSpace(name) == "" {
		return errs.Validationf("name", "component name is required")
	}
	if strings.TrimSpace(version) == "" {
		return errs.Validationf("version", "component version is required")
	}
	for _, t := range ComponentTypes {
		if typ == t {
			return nil
		}
	}
	return errs.Validationf("type", "unknown component type %q", typ)
}

// ValidateServiceName checks a service name before creation.
func ValidateServiceName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errs.Validationf("name", "service name is required")
	}
	if len(name) > 200 {
		return errs.Validationf("name", "service name exceeds 200 characters")
	}
	return nil
}

// ValidateVulnerabilityInput checks a vulnerability record before ingestion.
func ValidateVulnerabilityInput(title string, severity Severity) error {
	if strings.TrimSpace(title) == "" {
		return errs.Validationf("title", "vulnerability title is required")
	}
	if !severity.Valid() {
		return errs.Validationf("severity", "unknown severity %q", severity)
	}
	return nil
}

// ValidateUserInput checks a user record before creation.
func ValidateUserInput(name string, role Role) error {
	if strings.TrimSpace(name) == "" {
		return errs.Validationf("name", "user name is required")
	}
	switch role {
	case RoleAdmin, RoleDeveloper, RoleViewer:
		return nil
	}
	return errs.Validationf("role", "unknown role %q", role)
}

// ReportFormats lists the formats a report can be rendered in.
var ReportFormats = []string{"json", "markdown"}

// ValidateReportInput checks report generation parameters.
func ValidateReportInput(title string, serviceIDs []string, format string) error {
	if strings.TrimSpace(title) == "" {
		return errs.Validationf("title", "report title is required")
	}
	if len(serviceIDs) == 0 {
		return errs.Validationf("service_ids", "at least one service is required")
	}
	for _, f := range ReportFormats {
		if format == f {
			return nil
		}
	}
	return errs.Validationf("format", "unknown report format %q", format)
}
