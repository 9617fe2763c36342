// Package secrets resolves per-tenant secret references from stack
// templates. Secret values never appear in logs, templates, or API
// responses; only the reference names do.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

var ErrSecret apperrors.Error = apperrors.New("secret resolution error").SetStatusCode(http.StatusInternalServerError)

// Provider resolves a secret reference for a tenant.
type Provider interface {
	Resolve(ctx context.Context, tenantID, key string) (string, apperrors.Error)
}

// StaticProvider serves operator-seeded values and falls back to a
// generated per-tenant password that stays stable for the life of the
// process. Static keys may be global ("db_password") or tenant-scoped
// ("t1/db_password"); the scoped form wins.
type StaticProvider struct {
	mu        sync.Mutex
	static    map[string]string
	generated map[string]string
}

func NewStaticProvider(static map[string]string) *StaticProvider {
	s := make(map[string]string, len(static))
	for k, v := range static {
		s[k] = v
	}
	return &StaticProvider{
		static:    s,
		generated: make(map[string]string),
	}
}

func (p *StaticProvider) Resolve(_ context.Context, tenantID, key string) (string, apperrors.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.static[tenantID+"/"+key]; ok {
		return v, nil
	}
	if v, ok := p.static[key]; ok {
		return v, nil
	}
	scoped := tenantID + "/" + key
	if v, ok := p.generated[scoped]; ok {
		return v, nil
	}
	v, err := generatePassword()
	if err != nil {
		return "", err
	}
	p.generated[scoped] = v
	return v, nil
}

func generatePassword() (string, apperrors.Error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", ErrSecret.MsgErr("unable to generate password", err)
	}
	return hex.EncodeToString(buf), nil
}
