package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

const (
	// ServicePort is the stable port exposed by the companion service.
	ServicePort = 80
	// ProbePath is polled by the liveness and readiness probes.
	ProbePath = "/"
)

// Resources are container requests and limits in Kubernetes quantity notation.
type Resources struct {
	RequestMemory string
	RequestCPU    string
	LimitMemory   string
	LimitCPU      string
}

// Probe describes an HTTP health check against the container port.
type Probe struct {
	Path         string
	InitialDelay time.Duration
	Period       time.Duration
}

// EnvVar is an ordered environment entry.
type EnvVar struct {
	Name  string
	Value string
}

// Request is the structured deployment + service description handed to a driver.
type Request struct {
	BotID          int64
	Name           string
	DeploymentName string
	ServiceName    string
	Namespace      string
	Image          string
	Port           int
	ServicePort    int
	Env            []EnvVar
	Labels         map[string]string
	Resources      Resources
	Liveness       Probe
	Readiness      Probe
}

// Ref identifies applied cluster objects for readiness checks and teardown.
type Ref struct {
	DeploymentName string
	ServiceName    string
	Namespace      string
}

// String encodes the reference as namespace/deployment/service for persistence.
func (r Ref) String() string {
	return r.Namespace + "/" + r.DeploymentName + "/" + r.ServiceName
}

// ParseRef decodes a persisted cluster reference. A bare value is read as a
// deployment name in the default namespace.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty cluster reference", domain.ErrValidation)
	}
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		return Ref{DeploymentName: parts[0]}, nil
	case 3:
		if parts[1] == "" {
			return Ref{}, fmt.Errorf("%w: cluster reference %q has no deployment", domain.ErrValidation, s)
		}
		return Ref{Namespace: parts[0], DeploymentName: parts[1], ServiceName: parts[2]}, nil
	default:
		return Ref{}, fmt.Errorf("%w: malformed cluster reference %q", domain.ErrValidation, s)
	}
}

// Manager drives an external orchestration platform.
type Manager interface {
	Apply(ctx context.Context, req Request) (Ref, error)
	AwaitReady(ctx context.Context, ref Ref, timeout time.Duration) error
	Teardown(ctx context.Context, ref Ref) error
}

// LabelBotID marks every object created for a bot with the bot's id.
const LabelBotID = "bot-id"

// DefaultResources are applied to every bot container.
var DefaultResources = Resources{
	RequestMemory: "128Mi",
	RequestCPU:    "100m",
	LimitMemory:   "256Mi",
	LimitCPU:      "200m",
}

// NewRequest derives the deployment description for a bot from its descriptor.
func NewRequest(d domain.Descriptor, image, namespace string) (Request, error) {
	if err := domain.CheckIdentifier(d); err != nil {
		return Request{}, err
	}
	name := d.NormalizedName()
	return Request{
		BotID:          d.ID,
		Name:           name,
		DeploymentName: domain.DeploymentName(d),
		ServiceName:    domain.ServiceName(d),
		Namespace:      namespace,
		Image:          image,
		Port:           domain.BotPort,
		ServicePort:    ServicePort,
		Env: []EnvVar{
			{Name: "BOT_NAME", Value: d.Name},
			{Name: "BOT_TOKEN", Value: d.Token},
			{Name: "SERVICES", Value: strings.Join(d.Capabilities, ",")},
		},
		Labels: map[string]string{
			"app":      name,
			LabelBotID: strconv.FormatInt(d.ID, 10),
		},
		Resources: DefaultResources,
		Liveness:  Probe{Path: ProbePath, InitialDelay: 30 * time.Second, Period: 30 * time.Second},
		Readiness: Probe{Path: ProbePath, InitialDelay: 10 * time.Second, Period: 10 * time.Second},
	}, nil
}

// RefFor returns the reference a driver would produce for req.
func RefFor(req Request) Ref {
	return Ref{DeploymentName: req.DeploymentName, ServiceName: req.ServiceName, Namespace: req.Namespace}
}

// ManifestRenderer is implemented by drivers that can render req as a manifest
// document for diagnostics.
type ManifestRenderer interface {
	RenderManifest(req Request) ([]byte, error)
}
