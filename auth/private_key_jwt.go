package auth

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const defaultAssertionTTL = time.Minute

// PrivateKeyJWT authenticates with a signed client assertion, RFC 7523. The
// assertion is minted fresh per call: single-use jti, short expiry, audience
// bound to the bank.
type PrivateKeyJWT struct {
	Key   *rsa.PrivateKey
	KeyID string
	// TTL bounds the assertion validity window. Defaults to one minute;
	// banks reject generous windows.
	TTL time.Duration
	Now func() time.Time
}

func (PrivateKeyJWT) Name() string { return "private_key_jwt" }

func (m PrivateKeyJWT) Apply(_ http.Header, form url.Values, in MethodInput) error {
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return fmt.Errorf("auth: client id is required")
	}
	if m.Key == nil {
		return fmt.Errorf("auth: private_key_jwt requires a signing key")
	}
	audience := strings.TrimSpace(in.Audience)
	if audience == "" {
		return fmt.Errorf("auth: private_key_jwt requires an audience")
	}

	now := time.Now().UTC()
	if m.Now != nil {
		now = m.Now().UTC()
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = defaultAssertionTTL
	}

	token := jwt.NewWithClaims(jwt.SigningMethodPS256, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	})
	if keyID := strings.TrimSpace(m.KeyID); keyID != "" {
		token.Header["kid"] = keyID
	}

	assertion, err := token.SignedString(m.Key)
	if err != nil {
		return fmt.Errorf("auth: sign client assertion: %w", err)
	}

	form.Set("client_id", clientID)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)
	return nil
}
