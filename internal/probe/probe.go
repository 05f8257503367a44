// Package probe performs best-effort reachability checks for instance
// endpoints. Probe failures are advisory: they are logged and surfaced to
// the caller but never fail a lifecycle operation.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

// Prober checks that the destinations an instance depends on answer at all.
type Prober struct {
	logger *slog.Logger
	client *http.Client
}

func New(logger *slog.Logger) *Prober {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient.Timeout = 5 * time.Second
	retryClient.Logger = nil // suppress default logging

	return &Prober{
		logger: logger,
		client: retryClient.StandardClient(),
	}
}

// CheckCoverDomain verifies the tunnel's cover domain serves HTTPS. A cover
// domain that does not answer makes the tunnel trivially fingerprintable, so
// we warn at create/update time.
func (p *Prober) CheckCoverDomain(ctx context.Context, inst *domain.Instance) error {
	if inst.Kind != domain.KindTLSTunnel || inst.Flags.CoverDomain == "" {
		return nil
	}

	target := "https://" + inst.Flags.CoverDomain + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return fmt.Errorf("build cover-domain request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("cover domain unreachable",
			"instance", inst.Name,
			"domain", inst.Flags.CoverDomain,
			"err", err,
		)
		return fmt.Errorf("cover domain %s unreachable: %w", inst.Flags.CoverDomain, err)
	}
	resp.Body.Close()

	p.logger.Debug("cover domain reachable",
		"instance", inst.Name,
		"domain", inst.Flags.CoverDomain,
		"status", resp.StatusCode,
	)
	return nil
}

// CheckForwardProxy issues a request through a freshly started forward proxy
// to confirm it accepts connections on its listen port.
func (p *Prober) CheckForwardProxy(ctx context.Context, inst *domain.Instance) error {
	if inst.Kind != domain.KindForwardProxy {
		return nil
	}

	proxyURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", inst.ListenPort))
	if err != nil {
		return fmt.Errorf("build proxy url: %w", err)
	}

	client := &http.Client{
		Timeout: 3 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "http://127.0.0.1:0/", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	// Any response, including a proxy auth challenge, proves the listener is
	// up; only a connection error counts as a failure.
	resp, err := client.Do(req)
	if err != nil {
		p.logger.Warn("forward proxy not answering",
			"instance", inst.Name,
			"port", inst.ListenPort,
			"err", err,
		)
		return fmt.Errorf("proxy on port %d not answering: %w", inst.ListenPort, err)
	}
	resp.Body.Close()
	return nil
}
