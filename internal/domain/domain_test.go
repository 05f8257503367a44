package domain_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/domain"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"a", "proxy-1", "my.proxy_2", "A1b2-c3.d_4"} {
		assert.NoError(t, domain.ValidateName(name), name)
	}

	for _, name := range []string{"", "has space", "slash/y", "../escape", "ünicode", "x!"} {
		err := domain.ValidateName(name)
		require.Error(t, err, name)
		assert.Equal(t, domain.ErrInvalidName, domain.KindOf(err))
	}
}

func TestValidateName_LengthBound(t *testing.T) {
	long := ""
	for i := 0; i < 65; i++ {
		long += "a"
	}
	assert.Error(t, domain.ValidateName(long))
	assert.NoError(t, domain.ValidateName(long[:64]))
}

func TestErrorKindExtraction(t *testing.T) {
	base := domain.E(domain.ErrPortsExhausted, "no free port")
	assert.Equal(t, domain.ErrPortsExhausted, domain.KindOf(base))
	assert.True(t, domain.IsKind(base, domain.ErrPortsExhausted))

	wrapped := fmt.Errorf("create: %w", base)
	assert.Equal(t, domain.ErrPortsExhausted, domain.KindOf(wrapped))

	plain := fmt.Errorf("disk on fire")
	assert.Equal(t, domain.ErrInternal, domain.KindOf(plain))
	assert.False(t, domain.IsKind(nil, domain.ErrInternal))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := fmt.Errorf("permission denied")
	err := domain.Wrap(domain.ErrArtifactGeneration, "write users file", cause)
	assert.Contains(t, err.Error(), "artifact_generation_failed")
	assert.Contains(t, err.Error(), "permission denied")
	assert.ErrorIs(t, err, cause)
}

func TestKindValid(t *testing.T) {
	assert.True(t, domain.KindForwardProxy.Valid())
	assert.True(t, domain.KindTLSTunnel.Valid())
	assert.False(t, domain.Kind("socks5").Valid())
}
