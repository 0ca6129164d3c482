package auth

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// Middleware enforces authentication on every request and attaches the
// resolved principal to the context, both as the typed value handlers read
// and as the redacted logging field. A nil or disabled service passes
// everything through as anonymous.
func Middleware(service *Service, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := service.Authenticate(r)
			if err != nil {
				if logger != nil {
					logger.Warn(r.Context(), "authentication failed",
						"code", string(models.CodeOf(err)), "path", r.URL.Path)
				}
				writeAuthError(w, err)
				return
			}
			ctx := WithPrincipal(r.Context(), principal)
			ctx = observability.AddPrincipal(ctx, principal.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	te := models.AsError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(te.Code.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]any{"error": te})
}
