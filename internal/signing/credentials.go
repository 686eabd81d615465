package signing

import (
	"os"
	"strings"

	"github.com/clearlane/confirmd/pkg/schema"
)

// Credential is a read-only snapshot of the signing key material.
type Credential struct {
	KeyID  string
	Secret []byte
}

// CredentialProvider supplies the current signing credential.
// Implementations must be safe for concurrent use; rotation happens inside
// the provider, callers always receive a consistent snapshot.
type CredentialProvider interface {
	Credential() (Credential, error)
}

// StaticProvider returns a fixed credential. Used in tests and for
// configurations where the secret is injected directly.
type StaticProvider struct {
	KeyID  string
	Secret []byte
}

func (p *StaticProvider) Credential() (Credential, error) {
	if p.KeyID == "" || len(p.Secret) == 0 {
		return Credential{}, schema.NewError(schema.ErrCodeCredentialsUnavailable,
			"static signing credential is empty")
	}
	return Credential{KeyID: p.KeyID, Secret: p.Secret}, nil
}

// EnvProvider reads the credential from environment variables on every call,
// so out-of-band rotation (re-exec, secret refresh sidecars rewriting the
// environment file before restart) is picked up without coordination.
type EnvProvider struct {
	KeyIDVar  string
	SecretVar string
}

func (p *EnvProvider) Credential() (Credential, error) {
	keyID := strings.TrimSpace(os.Getenv(p.KeyIDVar))
	secret := os.Getenv(p.SecretVar)
	if keyID == "" || secret == "" {
		return Credential{}, schema.NewErrorf(schema.ErrCodeCredentialsUnavailable,
			"signing credential not set: %s / %s", p.KeyIDVar, p.SecretVar)
	}
	return Credential{KeyID: keyID, Secret: []byte(secret)}, nil
}
