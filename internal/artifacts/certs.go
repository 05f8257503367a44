package artifacts

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"time"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

// CertificateProvider generates the self-signed cert/key pair a TLS-enabled
// instance binds with. Instances listen on private administrative ports, so
// there is no ACME challenge surface; local issuance is the whole story.
type CertificateProvider struct {
	layout *Layout
	// validity window for issued certificates
	lifetime time.Duration
}

func NewCertificateProvider(layout *Layout) *CertificateProvider {
	return &CertificateProvider{layout: layout, lifetime: 2 * 365 * 24 * time.Hour}
}

// EnsureCertificate makes sure inst has a usable cert/key pair on disk.
// Existing non-empty files are kept; call Regenerate to force new material.
func (p *CertificateProvider) EnsureCertificate(inst *domain.Instance) error {
	certPath := p.layout.CertPath(inst.Name)
	keyPath := p.layout.KeyPath(inst.Name)
	if FileReady(certPath) && FileReady(keyPath) {
		return nil
	}
	return p.Regenerate(inst)
}

// Regenerate issues a fresh self-signed ECDSA P-256 pair for inst and writes
// it over whatever is on disk.
func (p *CertificateProvider) Regenerate(inst *domain.Instance) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "generate key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "generate serial", err)
	}

	commonName := inst.Name
	dnsNames := []string{inst.Name}
	if inst.Flags.CoverDomain != "" {
		commonName = inst.Flags.CoverDomain
		dnsNames = []string{inst.Flags.CoverDomain}
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              dnsNames,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(p.lifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "create certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "marshal key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// Cert is world-readable for the proxy's runtime user; the key stays 0600
	// and the proxy binary is started by us, inheriting access via path.
	if err := os.WriteFile(p.layout.CertPath(inst.Name), certPEM, 0o644); err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "write certificate", err)
	}
	if err := os.WriteFile(p.layout.KeyPath(inst.Name), keyPEM, 0o600); err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "write key", err)
	}
	return nil
}
