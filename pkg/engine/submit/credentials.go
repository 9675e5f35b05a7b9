package submit

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// credentialTTL bounds how long a minted submission token stays valid. A
// fresh token is minted for every delivery attempt, so the window only
// needs to cover one HTTP round trip.
const credentialTTL = 2 * time.Minute

// CredentialMinter issues the short-lived bearer tokens sent with
// submission attempts. Tokens are HS256-signed with a shared secret, scoped
// to the submission endpoint via the audience claim, and carry a unique jti
// per attempt.
type CredentialMinter struct {
	secret   []byte
	engineID string
	audience string
	now      func() time.Time
}

// NewCredentialMinter creates a minter for the given shared secret.
// engineID becomes the token subject and audience names the endpoint the
// token is good for.
func NewCredentialMinter(secret []byte, engineID, audience string) (*CredentialMinter, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("submission credential secret is empty")
	}
	return &CredentialMinter{
		secret:   secret,
		engineID: engineID,
		audience: audience,
		now:      time.Now,
	}, nil
}

// Mint signs a fresh token for one submission attempt.
func (m *CredentialMinter) Mint() (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.engineID,
		Subject:   m.engineID,
		Audience:  jwt.ClaimStrings{m.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(credentialTTL)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign submission token: %w", err)
	}
	return signed, nil
}
