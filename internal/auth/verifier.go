package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc"
	"github.com/google/uuid"
)

// Ошибки аутентификации.
var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingTenant = errors.New("tenant claim is missing or malformed")
)

// DefaultTenantClaim: claim с идентификатором tenant.
const DefaultTenantClaim = "tenant_id"

// TokenVerifier проверяет bearer токен и возвращает tenant.
type TokenVerifier interface {
	TenantID(ctx context.Context, rawToken string) (uuid.UUID, error)
}

// OIDCVerifier проверяет JWT OIDC провайдера.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	claim    string
}

// NewOIDCVerifier получает discovery документ issuer и готовит verifier.
// Пустой clientID отключает проверку audience: access токены API
// часто выпускаются с другой audience.
func NewOIDCVerifier(ctx context.Context, issuer, clientID, claim string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", issuer, err)
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(verifierConfig(clientID)),
		claim:    claimName(claim),
	}, nil
}

// NewKeySetVerifier создаёт verifier с заданным набором ключей
// (например, oidc.NewRemoteKeySet для провайдера без discovery).
func NewKeySetVerifier(issuer string, keySet oidc.KeySet, clientID, claim string) *OIDCVerifier {
	return &OIDCVerifier{
		verifier: oidc.NewVerifier(issuer, keySet, verifierConfig(clientID)),
		claim:    claimName(claim),
	}
}

// TenantID проверяет подпись, issuer, срок действия и читает tenant claim.
func (v *OIDCVerifier) TenantID(ctx context.Context, rawToken string) (uuid.UUID, error) {
	if rawToken == "" {
		return uuid.Nil, ErrMissingToken
	}

	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	raw, _ := claims[v.claim].(string)
	tenantID, err := uuid.Parse(raw)
	if err != nil || tenantID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrMissingTenant, v.claim)
	}
	return tenantID, nil
}

func verifierConfig(clientID string) *oidc.Config {
	return &oidc.Config{
		ClientID:          clientID,
		SkipClientIDCheck: clientID == "",
	}
}

func claimName(claim string) string {
	if claim == "" {
		return DefaultTenantClaim
	}
	return claim
}
