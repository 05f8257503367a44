package domain

import (
	"fmt"
	"regexp"
	"time"
)

// Kind selects the external proxy binary and config generator for an instance.
type Kind string

const (
	KindForwardProxy Kind = "forward_proxy"
	KindTLSTunnel    Kind = "tls_tunnel"
)

func (k Kind) Valid() bool {
	return k == KindForwardProxy || k == KindTLSTunnel
}

// DesiredState is the persisted user intent for an instance.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ObservedState is derived from the supervisor's live handle table.
// It is never persisted and never trusted across a daemon restart.
type ObservedState string

const (
	ObservedRunning ObservedState = "running"
	ObservedStopped ObservedState = "stopped"
	ObservedCrashed ObservedState = "crashed"
)

// Flags holds the kind-specific feature switches. Forward proxies use the
// TLS and DPI fields; tunnels use the upstream and cover-domain fields.
type Flags struct {
	TLSEnabled          bool   `json:"tls_enabled,omitempty"`
	DPIHardeningEnabled bool   `json:"dpi_hardening_enabled,omitempty"`
	UpstreamDestination string `json:"upstream_destination,omitempty"`
	CoverDomain         string `json:"cover_domain,omitempty"`
}

// Instance is the durable record for one supervised proxy endpoint.
type Instance struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       Kind         `json:"kind"`
	ListenPort int          `json:"listen_port"`
	Flags      Flags        `json:"flags"`
	Desired    DesiredState `json:"desired_state"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// namePattern keeps names safe for use as a filesystem path segment.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateName rejects names that cannot double as artifact directory names.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return &Error{
			Kind:   ErrInvalidName,
			Detail: fmt.Sprintf("name %q must match %s", name, namePattern.String()),
		}
	}
	return nil
}
