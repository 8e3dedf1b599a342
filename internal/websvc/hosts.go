package websvc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	httptreemux "github.com/dimfeld/httptreemux/v5"
	"github.com/prismdns/prism/internal/auth"
	"github.com/prismdns/prism/internal/registry"
)

// ctxKeyOwner is the context key under which the authentication middleware
// stores the owner of a request.
type ctxKeyOwner struct{}

// authMw requires a valid bearer token on the request and stores the
// resolved owner in the request context.
func (svc *Service) authMw(h http.HandlerFunc) (wrapped http.HandlerFunc) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, ok := strings.CutPrefix(r.Header.Get(httphdr.Authorization), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "bearer token required", http.StatusUnauthorized)

			return
		}

		res, err := svc.verifier.Verify(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrUnavailable) {
				svc.logger.WarnContext(ctx, "verifying api token", slogutil.KeyError, err)
				http.Error(w, "token verifier unavailable", http.StatusServiceUnavailable)
			} else {
				http.Error(w, "invalid token", http.StatusUnauthorized)
			}

			return
		} else if !res.Active {
			http.Error(w, "invalid token", http.StatusUnauthorized)

			return
		}

		r = r.WithContext(context.WithValue(ctx, ctxKeyOwner{}, res.Owner))
		h(w, r)
	}
}

// requestOwner returns the owner stored by [Service.authMw].
func requestOwner(r *http.Request) (owner registry.OwnerID) {
	owner, _ = r.Context().Value(ctxKeyOwner{}).(registry.OwnerID)

	return owner
}

// hostsResponse is the body of a GET /api/v1/hosts response.
type hostsResponse struct {
	Hosts []*registry.HostRecord `json:"hosts"`
}

// handleHosts is the handler for the GET /api/v1/hosts HTTP API.  It returns
// the host records of the requesting owner.
func (svc *Service) handleHosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recs, err := svc.registry.AllForOwner(ctx, requestOwner(r))
	if err != nil {
		svc.logger.ErrorContext(ctx, "listing hosts", slogutil.KeyError, err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	if recs == nil {
		recs = []*registry.HostRecord{}
	}

	writeJSON(ctx, svc, w, &hostsResponse{Hosts: recs})
}

// handleHostsDetail is the handler for the GET /api/v1/hosts/{hostname} HTTP
// API.  Records of other owners are indistinguishable from absent ones.
func (svc *Service) handleHostsDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	host, err := registry.NewHostname(httptreemux.ContextParams(ctx)["hostname"])
	if err != nil {
		http.Error(w, "bad hostname", http.StatusBadRequest)

		return
	}

	rec, err := svc.registry.ByName(ctx, host)
	if err != nil {
		if errors.Is(err, registry.ErrHostNotFound) {
			http.Error(w, "host not found", http.StatusNotFound)
		} else {
			svc.logger.ErrorContext(ctx, "getting host", slogutil.KeyError, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}

		return
	}

	if rec.Owner != requestOwner(r) {
		http.Error(w, "host not found", http.StatusNotFound)

		return
	}

	writeJSON(ctx, svc, w, rec)
}

// writeJSON writes v to w as a JSON response body.
func writeJSON(ctx context.Context, svc *Service, w http.ResponseWriter, v any) {
	w.Header().Set(httphdr.ContentType, "application/json")

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		svc.logger.DebugContext(ctx, "writing response", slogutil.KeyError, err)
	}
}
