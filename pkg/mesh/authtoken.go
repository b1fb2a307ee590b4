package mesh

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/fluxgate/fabric/pkg/ferrors"
)

// serviceClaims is the payload minted into an outbound Authorization
// bearer token (§6.3): "{service, issued, expires}, base64-encoded".
// Generalized from the teacher's manager.JoinToken (a random opaque
// string keyed by role and validated against a server-side table) into a
// self-contained claim, since the mesh has no central token-issuing
// authority to check against — every instance can verify a claim offline
// once mTLS/authentication wiring validates the caller's identity upstream.
type serviceClaims struct {
	Service string    `json:"service"`
	Issued  time.Time `json:"issued"`
	Expires time.Time `json:"expires"`
}

// mintAuthToken builds the base64-encoded bearer token attached to
// outbound calls when security.authentication_required is set.
func mintAuthToken(serviceName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := serviceClaims{Service: serviceName, Issued: now, Expires: now.Add(ttl)}

	data, err := json.Marshal(claims)
	if err != nil {
		return "", ferrors.Wrap(ferrors.TagSerializationError, "failed to marshal auth claims", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// verifyAuthToken decodes and checks expiry, used by an instance-side
// collaborator (out of the mesh's own scope) or by tests asserting the
// minted token round-trips.
func verifyAuthToken(token string) (serviceClaims, error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return serviceClaims{}, ferrors.Wrap(ferrors.TagAuthFailed, "malformed auth token", err)
	}
	var claims serviceClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return serviceClaims{}, ferrors.Wrap(ferrors.TagAuthFailed, "malformed auth claims", err)
	}
	if time.Now().After(claims.Expires) {
		return serviceClaims{}, ferrors.New(ferrors.TagAuthFailed, "auth token expired")
	}
	return claims, nil
}
