package artifacts

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

const credentialUser = "proxy"

// CredentialProvider writes the htpasswd-style users file a forward proxy
// authenticates against. Safe to call repeatedly; an existing usable file is
// left alone so regeneration does not rotate passwords behind the user's back.
type CredentialProvider struct {
	layout *Layout
}

func NewCredentialProvider(layout *Layout) *CredentialProvider {
	return &CredentialProvider{layout: layout}
}

// EnsureCredentials makes sure inst has a non-empty users file, generating a
// fresh random password on first call. Returns the plaintext password when a
// new one was generated, empty otherwise.
func (p *CredentialProvider) EnsureCredentials(inst *domain.Instance) (string, error) {
	path := p.layout.HtpasswdPath(inst.Name)
	if FileReady(path) {
		return "", nil
	}

	password := strings.ReplaceAll(uuid.New().String(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", domain.Wrap(domain.ErrArtifactGeneration, "hash credential", err)
	}

	line := fmt.Sprintf("%s:%s\n", credentialUser, hash)
	// 0644: the proxy binary runs as its own user and must be able to read this.
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return "", domain.Wrap(domain.ErrArtifactGeneration, "write users file", err)
	}
	return password, nil
}
