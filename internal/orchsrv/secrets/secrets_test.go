package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticProviderPrecedence(t *testing.T) {
	ctx := context.Background()
	p := NewStaticProvider(map[string]string{
		"db_password":    "global-secret",
		"t2/db_password": "tenant-secret",
	})

	v, err := p.Resolve(ctx, "t1", "db_password")
	require.Nil(t, err)
	require.Equal(t, "global-secret", v)

	v, err = p.Resolve(ctx, "t2", "db_password")
	require.Nil(t, err)
	require.Equal(t, "tenant-secret", v)
}

func TestStaticProviderGeneratesStablePerTenantSecrets(t *testing.T) {
	ctx := context.Background()
	p := NewStaticProvider(nil)

	v1, err := p.Resolve(ctx, "t1", "cache_password")
	require.Nil(t, err)
	require.NotEmpty(t, v1)

	// stable for the same tenant and key
	again, err := p.Resolve(ctx, "t1", "cache_password")
	require.Nil(t, err)
	require.Equal(t, v1, again)

	// distinct across tenants
	v2, err := p.Resolve(ctx, "t2", "cache_password")
	require.Nil(t, err)
	require.NotEqual(t, v1, v2)
}
