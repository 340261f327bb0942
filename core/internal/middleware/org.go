package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ems-cad-core/shared/authx"
	"ems-cad-core/shared/httpx"
	"ems-cad-core/shared/orgx"
)

// OrgMiddleware resolves the agency a request acts on. The org comes from
// the X-Org-ID header or, failing that, the token's org claim; when both
// are present they must agree.
type OrgMiddleware struct {
	Skip func(*http.Request) bool
}

func (m OrgMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		orgID := strings.TrimSpace(r.Header.Get("X-Org-ID"))
		claimOrg := ""
		if auth, ok := authx.FromContext(r.Context()); ok {
			claimOrg = auth.OrgID()
		}
		if orgID == "" {
			orgID = claimOrg
		}
		if orgID == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing org id", nil)
			return
		}
		if claimOrg != "" && !strings.EqualFold(claimOrg, orgID) {
			httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "org claim mismatch", nil)
			return
		}
		if _, err := uuid.Parse(orgID); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid org id", nil)
			return
		}

		ctx := orgx.WithOrg(r.Context(), orgx.OrgContext{ID: orgID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
