package domain

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// BotPort is the port every bot process listens on.
	BotPort = 3000
	// ClusterDomainSuffix is appended to service.namespace for in-cluster addresses.
	ClusterDomainSuffix = "svc.cluster.local"
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// CheckIdentifier guards every identifier composed from a descriptor.
func CheckIdentifier(d Descriptor) error {
	if d.ID <= 0 {
		return fmt.Errorf("%w: bot id must be positive", ErrValidation)
	}
	name := d.NormalizedName()
	if name == "" || len(name) > MaxNameLength || !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: bot name %q is not a valid identifier", ErrValidation, d.Name)
	}
	return nil
}

// ImageTag returns {name}-{id}:latest.
func ImageTag(d Descriptor) string {
	return fmt.Sprintf("%s-%d:latest", d.NormalizedName(), d.ID)
}

// DeploymentName returns bot-{name}-{id}.
func DeploymentName(d Descriptor) string {
	return fmt.Sprintf("bot-%s-%d", d.NormalizedName(), d.ID)
}

// ServiceName returns {name}-service.
func ServiceName(d Descriptor) string {
	return d.NormalizedName() + "-service"
}

// PublicURL returns the chat platform address, e.g. https://t.me/funbot.
func PublicURL(base string, d Descriptor) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimSpace(d.Name)
}

// InternalAddress returns http://{service}.{namespace}.svc.cluster.local.
func InternalAddress(d Descriptor, namespace string) string {
	return fmt.Sprintf("http://%s.%s.%s", ServiceName(d), namespace, ClusterDomainSuffix)
}
