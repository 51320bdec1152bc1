package config

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/wudi/funcrun/internal/cron"
)

var (
	envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	slugPattern    = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	domainPattern  = regexp.MustCompile(`^(\*\.)?([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)
)

// ValidateEnvVarName checks a function environment variable name.
func ValidateEnvVarName(name string) error {
	if !envNamePattern.MatchString(name) {
		return fmt.Errorf("invalid environment variable name %q: must match [A-Z_][A-Z0-9_]*", name)
	}
	return nil
}

// ValidateSlug checks a project slug.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid project slug %q", slug)
	}
	return nil
}

// ValidateCron checks a schedule expression.
func ValidateCron(expr string) error {
	return cron.Validate(expr)
}

// ValidateRuleTarget checks a network rule target for the given type.
func ValidateRuleTarget(targetType, value string) error {
	switch targetType {
	case "ip":
		if _, err := netip.ParseAddr(value); err != nil {
			return fmt.Errorf("invalid IP %q: %w", value, err)
		}
	case "cidr":
		if _, err := netip.ParsePrefix(value); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
	case "domain":
		if !domainPattern.MatchString(strings.ToLower(value)) {
			return fmt.Errorf("invalid domain %q", value)
		}
	default:
		return fmt.Errorf("invalid rule target type %q", targetType)
	}
	return nil
}
