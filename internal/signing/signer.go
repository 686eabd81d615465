package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/clearlane/confirmd/pkg/schema"
)

// Header names carried on every signed stage request.
const (
	HeaderKeyID     = "X-Confirmd-Key"
	HeaderTimestamp = "X-Confirmd-Timestamp"
	HeaderSignature = "X-Confirmd-Signature"
	HeaderAlgorithm = "X-Confirmd-Algorithm"
)

const algorithmHMACSHA256 = "hmac-sha256"

// Signer produces per-request authentication headers bound to method, URL,
// body, and timestamp. Signatures embed a fresh timestamp, so a new signature
// must be computed before every network attempt, including retries.
type Signer struct {
	provider CredentialProvider
}

// NewSigner creates a Signer backed by the given credential provider.
func NewSigner(provider CredentialProvider) *Signer {
	return &Signer{provider: provider}
}

// Sign computes the authentication headers for one request attempt.
// Deterministic for identical inputs and a fixed credential snapshot.
// Returns a CREDENTIALS_UNAVAILABLE error when no valid credential exists;
// callers must treat that as non-retryable.
func (s *Signer) Sign(method, url string, body []byte, now time.Time) (http.Header, error) {
	cred, err := s.provider.Credential()
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	sig := computeSignature(cred.Secret, method, url, ts, body)

	h := make(http.Header, 4)
	h.Set(HeaderKeyID, cred.KeyID)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, sig)
	h.Set(HeaderAlgorithm, algorithmHMACSHA256)
	return h, nil
}

// Verify checks a signature produced by Sign against the provider's current
// credential. maxSkew bounds the accepted timestamp age in both directions;
// stage services reject stale signatures with this same check.
func (s *Signer) Verify(method, url string, body []byte, headers http.Header, now time.Time, maxSkew time.Duration) error {
	cred, err := s.provider.Credential()
	if err != nil {
		return err
	}

	if got := headers.Get(HeaderAlgorithm); got != algorithmHMACSHA256 {
		return schema.NewErrorf(schema.ErrCodeAuth, "unsupported signature algorithm %q", got)
	}
	if got := headers.Get(HeaderKeyID); got != cred.KeyID {
		return schema.NewErrorf(schema.ErrCodeAuth, "unknown signing key %q", got)
	}

	ts := headers.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeAuth, "invalid signature timestamp %q", ts)
	}
	age := now.UTC().Sub(time.Unix(unix, 0).UTC())
	if age > maxSkew || age < -maxSkew {
		return schema.NewErrorf(schema.ErrCodeAuth, "signature timestamp outside allowed skew: %s", age)
	}

	want := computeSignature(cred.Secret, method, url, ts, body)
	if !hmac.Equal([]byte(want), []byte(headers.Get(HeaderSignature))) {
		return schema.NewError(schema.ErrCodeAuth, "signature mismatch")
	}
	return nil
}

// computeSignature builds the canonical string METHOD\nURL\nTIMESTAMP\nSHA256(body)
// and returns its hex-encoded HMAC-SHA256.
func computeSignature(secret []byte, method, url, timestamp string, body []byte) string {
	bodySum := sha256.Sum256(body)
	canonical := fmt.Sprintf("%s\n%s\n%s\n%s", method, url, timestamp, hex.EncodeToString(bodySum[:]))

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
