package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/shaiso/crmflow/internal/telemetry"
)

// HeaderTenantID: заголовок tenant в dev режиме.
const HeaderTenantID = "X-Tenant-ID"

const tenantKey = "tenant_id"

type ctxKey struct{}

// WithTenant кладёт tenant в context.
func WithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// TenantFromContext возвращает tenant запроса.
func TenantFromContext(ctx context.Context) (uuid.UUID, bool) {
	tenantID, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return tenantID, ok && tenantID != uuid.Nil
}

// Tenant возвращает tenant, установленный RequireTenant.
func Tenant(c echo.Context) uuid.UUID {
	tenantID, _ := c.Get(tenantKey).(uuid.UUID)
	return tenantID
}

// Options: параметры RequireTenant.
type Options struct {
	// Verifier: проверка bearer токена; может быть nil только в DevMode.
	Verifier TokenVerifier

	// DevMode принимает X-Tenant-ID без токена.
	DevMode bool

	Logger *slog.Logger
}

// RequireTenant: middleware, требующий tenant у каждого запроса.
// Отсутствующий или невалидный токен: 401.
func RequireTenant(opts Options) echo.MiddlewareFunc {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := resolveTenant(c.Request(), opts)
			if err != nil {
				logger.Debug("request unauthorized",
					"path", c.Path(),
					"error", err,
				)
				return echo.NewHTTPError(http.StatusUnauthorized, unauthorizedMessage(err)).SetInternal(err)
			}

			c.Set(tenantKey, tenantID)
			req := c.Request()
			ctx := WithTenant(req.Context(), tenantID)
			ctx = telemetry.WithLogger(ctx, telemetry.WithTenantID(telemetry.FromContext(ctx), tenantID.String()))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func resolveTenant(r *http.Request, opts Options) (uuid.UUID, error) {
	token := bearerToken(r)

	if token == "" && opts.DevMode {
		tenantID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(HeaderTenantID)))
		if err != nil || tenantID == uuid.Nil {
			return uuid.Nil, ErrMissingTenant
		}
		return tenantID, nil
	}

	if token == "" {
		return uuid.Nil, ErrMissingToken
	}
	if opts.Verifier == nil {
		return uuid.Nil, ErrInvalidToken
	}
	return opts.Verifier.TenantID(r.Context(), token)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing bearer token"
	case errors.Is(err, ErrMissingTenant):
		return "tenant is not specified"
	default:
		return "invalid token"
	}
}
