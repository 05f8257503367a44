package genconf

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/proxyfleet/proxyfleet/internal/artifacts"
	"github.com/proxyfleet/proxyfleet/internal/domain"
)

// tunnelTemplate is the sniproxy-style config. Traffic presenting the cover
// domain's SNI is routed to the real cover site; everything else goes to the
// upstream destination. The binary runs foreground; no pidfile, no fork.
var tunnelTemplate = template.Must(template.New("tunnel").Parse(`# generated by proxyfleetd for instance {{ .Name }}
error_log {
    filename {{ .ErrorLog }}
    priority notice
}

listener 0.0.0.0:{{ .Port }} {
    protocol tls
    table tunnel
    fallback {{ .Upstream }}
}

table tunnel {
    {{ .CoverDomain }} {{ .CoverDomain }}:443
    .* {{ .Upstream }}
}
`))

type tunnelParams struct {
	Name        string
	Port        int
	Upstream    string
	CoverDomain string
	ErrorLog    string
}

// TunnelRenderer renders SNI tunnel configs against the artifact layout.
type TunnelRenderer struct {
	layout *artifacts.Layout
}

func NewTunnelRenderer(layout *artifacts.Layout) *TunnelRenderer {
	return &TunnelRenderer{layout: layout}
}

func (r *TunnelRenderer) Render(inst *domain.Instance) (string, error) {
	if inst.Kind != domain.KindTLSTunnel {
		return "", domain.E(domain.ErrArtifactGeneration,
			fmt.Sprintf("tunnel renderer got kind %q", inst.Kind))
	}
	if inst.Flags.UpstreamDestination == "" {
		return "", domain.E(domain.ErrArtifactGeneration,
			"tunnel instance requires upstream_destination")
	}
	if inst.Flags.CoverDomain == "" {
		return "", domain.E(domain.ErrArtifactGeneration,
			"tunnel instance requires cover_domain")
	}

	params := tunnelParams{
		Name:        inst.Name,
		Port:        inst.ListenPort,
		Upstream:    inst.Flags.UpstreamDestination,
		CoverDomain: inst.Flags.CoverDomain,
		ErrorLog:    r.layout.AccessLogPath(inst.Name),
	}

	var buf bytes.Buffer
	if err := tunnelTemplate.Execute(&buf, params); err != nil {
		return "", domain.Wrap(domain.ErrArtifactGeneration, "render tunnel config", err)
	}
	return buf.String(), nil
}
