package domain

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	MinNameLength = 5
	MaxNameLength = 32
)

var (
	namePattern  = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
	tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
)

// ValidateBotName enforces the public naming rules for bots.
func ValidateBotName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) < MinNameLength || len(name) > MaxNameLength {
		return fmt.Errorf("%w: name must be between %d and %d characters", ErrValidation, MinNameLength, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name may only contain letters, digits and hyphens", ErrValidation)
	}
	if !strings.HasSuffix(strings.ToLower(name), "bot") {
		return fmt.Errorf("%w: name must end with \"bot\"", ErrValidation)
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return fmt.Errorf("%w: name must start and end with a letter or digit", ErrValidation)
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("%w: name cannot contain consecutive hyphens", ErrValidation)
	}
	return nil
}

// ValidateToken checks the syntactic shape of a chat platform token.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrValidation)
	}
	if !tokenPattern.MatchString(token) {
		return fmt.Errorf("%w: token must look like 123456:ABC-DEF", ErrValidation)
	}
	return nil
}

// NormalizeCapabilities trims, lowercases and deduplicates requested capabilities,
// keeping their order, and rejects anything outside allowed.
func NormalizeCapabilities(requested, allowed []string) ([]string, error) {
	permitted := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		permitted[strings.ToLower(a)] = struct{}{}
	}
	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	for _, raw := range requested {
		c := strings.ToLower(strings.TrimSpace(raw))
		if c == "" {
			continue
		}
		if _, ok := permitted[c]; !ok {
			return nil, fmt.Errorf("%w: unknown service %q", ErrValidation, c)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one service is required", ErrValidation)
	}
	return out, nil
}
