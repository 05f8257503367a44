// Package genconf renders the configuration files the external proxy
// binaries read at startup. Renderers are pure: identical instance state
// produces identical text, so regeneration is idempotent.
package genconf

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/proxyfleet/proxyfleet/internal/artifacts"
	"github.com/proxyfleet/proxyfleet/internal/domain"
)

// forwardTemplate is the 3proxy-style config. The daemon directive is never
// emitted: the child must stay in the foreground so its lifetime is exactly
// the supervisor handle's lifetime.
var forwardTemplate = template.Must(template.New("forward").Parse(`# generated by proxyfleetd for instance {{ .Name }}
nscache 65536
timeouts 1 5 30 60 180 1800 15 60
log {{ .AccessLog }} D
auth strong
users $"{{ .Htpasswd }}"
allow *
{{- if .DPIHardening }}

# DPI hardening: strip identifying headers, no reverse lookups
fakeresolve
{{- end }}
{{- if .TLS }}

plugin "/usr/lib/3proxy/SSLPlugin.ld.so" ssl_plugin
ssl_serv_cert "{{ .Cert }}"
ssl_serv_key "{{ .Key }}"
ssl_serv
{{- end }}

proxy -p{{ .Port }}{{ if .DPIHardening }} -n -a{{ end }}
`))

type forwardParams struct {
	Name         string
	Port         int
	TLS          bool
	DPIHardening bool
	AccessLog    string
	Htpasswd     string
	Cert         string
	Key          string
}

// ForwardRenderer renders forward-proxy configs against the artifact layout.
type ForwardRenderer struct {
	layout *artifacts.Layout
}

func NewForwardRenderer(layout *artifacts.Layout) *ForwardRenderer {
	return &ForwardRenderer{layout: layout}
}

func (r *ForwardRenderer) Render(inst *domain.Instance) (string, error) {
	if inst.Kind != domain.KindForwardProxy {
		return "", domain.E(domain.ErrArtifactGeneration,
			fmt.Sprintf("forward renderer got kind %q", inst.Kind))
	}

	params := forwardParams{
		Name:         inst.Name,
		Port:         inst.ListenPort,
		TLS:          inst.Flags.TLSEnabled,
		DPIHardening: inst.Flags.DPIHardeningEnabled,
		AccessLog:    r.layout.AccessLogPath(inst.Name),
		Htpasswd:     r.layout.HtpasswdPath(inst.Name),
		Cert:         r.layout.CertPath(inst.Name),
		Key:          r.layout.KeyPath(inst.Name),
	}

	var buf bytes.Buffer
	if err := forwardTemplate.Execute(&buf, params); err != nil {
		return "", domain.Wrap(domain.ErrArtifactGeneration, "render forward config", err)
	}
	return buf.String(), nil
}
