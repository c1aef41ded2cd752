package trust

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/glintlabs/creditcore/internal/models"
)

// attestationClaims is the shape of the token minted by the device integrity
// service. The integrity bits are pointers so an omitted claim maps to the
// unknown trust bit rather than a hard false.
type attestationClaims struct {
	BasicIntegrity  *bool `json:"basic_integrity"`
	StrongIntegrity *bool `json:"strong_integrity"`
	jwt.RegisteredClaims
}

// Verifier reduces raw attestation tokens to a verdict and a two-bit state
// vector. Verification failure is not an error: onboarding degrades to an
// unverified, higher-risk evaluation instead of rejecting the device.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

// Verify parses and validates the token. Any failure (bad signature, expiry,
// wrong issuer, malformed claims) yields Verified=false with an unknown
// vector.
func (v *Verifier) Verify(raw string) models.AttestationResult {
	unverified := models.AttestationResult{}

	if raw == "" {
		return unverified
	}

	var claims attestationClaims
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return unverified
	}

	return models.AttestationResult{
		Verified: true,
		Vector: models.StateVector{
			BasicIntegrity:  toBit(claims.BasicIntegrity),
			StrongIntegrity: toBit(claims.StrongIntegrity),
		},
	}
}

func toBit(b *bool) models.TrustBit {
	switch {
	case b == nil:
		return models.TrustBitUnknown
	case *b:
		return models.TrustBitTrue
	default:
		return models.TrustBitFalse
	}
}
