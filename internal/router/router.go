package router

import (
	"net/http"

	"github.com/reelforge/backend/internal/auth"
	"github.com/reelforge/backend/internal/dashboard"
	"github.com/reelforge/backend/internal/projects"
	"github.com/reelforge/backend/internal/renders"
)

type Middleware func(http.Handler) http.Handler

// New returns an http.Handler that serves the API under /api/v1.
// requireAuth wraps every route except register/login; creditPreCheck
// additionally wraps render creation.
func New(
	authHandler *auth.Handler,
	projectsHandler *projects.Handler,
	rendersHandler *renders.Handler,
	dashHandler *dashboard.Handler,
	requireAuth Middleware,
	creditPreCheck Middleware,
) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", authHandler.Register)
	mux.HandleFunc("POST "+base+"/auth/login", authHandler.Login)

	authed := func(h http.HandlerFunc) http.Handler {
		return requireAuth(h)
	}

	mux.Handle("POST "+base+"/projects", authed(projectsHandler.Create))
	mux.Handle("GET "+base+"/projects", authed(projectsHandler.List))
	mux.Handle("GET "+base+"/projects/{id}", authed(projectsHandler.Get))
	mux.Handle("PATCH "+base+"/projects/{id}", authed(projectsHandler.Update))
	mux.Handle("GET "+base+"/projects/{id}/renders", authed(rendersHandler.ListForProject))

	mux.Handle("POST "+base+"/renders", requireAuth(creditPreCheck(http.HandlerFunc(rendersHandler.Create))))
	mux.Handle("GET "+base+"/renders/{id}", authed(rendersHandler.Get))

	mux.Handle("GET "+base+"/account/me", authed(dashHandler.GetMe))
	mux.Handle("PATCH "+base+"/account/settings", authed(dashHandler.UpdateSettings))
	mux.Handle("GET "+base+"/credit-ledger", authed(dashHandler.ListCreditLedger))

	return mux
}
