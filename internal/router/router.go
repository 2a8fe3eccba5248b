package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Well-known paths.
const (
	PathHome     = "/"
	PathLogin    = "/login"
	PathRegister = "/register"
	PathProfile  = "/profile"
	PathChat     = "/chat/{chatId}"
)

const maxRedirects = 10

var (
	ErrRouteNotFound = errors.New("route not found")
	ErrRedirectLoop  = errors.New("too many redirects")
)

// Route is a page of the client with its navigation metadata. Path uses
// chi pattern syntax, e.g. /chat/{chatId}.
type Route struct {
	Name         string
	Path         string
	RequiresAuth bool
}

// DefaultRoutes is the chat client's page table.
func DefaultRoutes() []Route {
	return []Route{
		{Name: "Login", Path: PathLogin, RequiresAuth: false},
		{Name: "Register", Path: PathRegister, RequiresAuth: false},
		{Name: "Home", Path: PathHome, RequiresAuth: true},
		{Name: "Chat", Path: PathChat, RequiresAuth: true},
		{Name: "Profile", Path: PathProfile, RequiresAuth: true},
	}
}

// ChatPath builds the concrete path of a chat page.
func ChatPath(chatID string) string {
	return "/chat/" + url.PathEscape(chatID)
}

// Location is a resolved navigation target.
type Location struct {
	Route  Route
	Path   string
	Params map[string]string
	Query  url.Values
}

// Param returns a path parameter, or "" when absent.
func (l Location) Param(key string) string {
	return l.Params[key]
}

// Decision is a guard's verdict on a transition.
type Decision struct {
	redirect string
	err      error
}

// Next lets the transition proceed.
func Next() Decision { return Decision{} }

// RedirectTo replaces the transition with one to path.
func RedirectTo(path string) Decision { return Decision{redirect: path} }

// Abort cancels the transition with err.
func Abort(err error) Decision { return Decision{err: err} }

// Redirect reports the redirect target, if any.
func (d Decision) Redirect() (string, bool) { return d.redirect, d.redirect != "" }

// Err reports why the transition was aborted, if it was.
func (d Decision) Err() error { return d.err }

// Guard runs before every transition. Guards run in registration order and
// the first one that does not return Next wins.
type Guard func(ctx context.Context, to, from Location) Decision

// Router resolves paths against the route table and applies guards.
type Router struct {
	mux    *chi.Mux
	routes map[string]Route

	mu      sync.Mutex
	guards  []Guard
	current Location
}

// New builds a router for routes.
func New(routes []Route) *Router {
	r := &Router{
		mux:    chi.NewRouter(),
		routes: make(map[string]Route, len(routes)),
	}
	noop := func(http.ResponseWriter, *http.Request) {}
	for _, route := range routes {
		r.mux.Get(route.Path, noop)
		r.routes[route.Path] = route
	}
	return r
}

// BeforeEach registers a navigation guard.
func (r *Router) BeforeEach(g Guard) {
	r.mu.Lock()
	r.guards = append(r.guards, g)
	r.mu.Unlock()
}

// Current returns the last location navigated to.
func (r *Router) Current() Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Resolve matches a path (optionally with a query string) to a route.
func (r *Router) Resolve(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse path %q: %w", raw, err)
	}
	path := u.Path
	if path == "" {
		path = PathHome
	}

	rctx := chi.NewRouteContext()
	if !r.mux.Match(rctx, http.MethodGet, path) {
		return Location{}, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
	}

	route, ok := r.routes[rctx.RoutePattern()]
	if !ok {
		return Location{}, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
	}

	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}

	return Location{Route: route, Path: path, Params: params, Query: u.Query()}, nil
}

// Push navigates to path, following guard redirects, and returns where the
// navigation ended up.
func (r *Router) Push(ctx context.Context, path string) (Location, error) {
	r.mu.Lock()
	from := r.current
	guards := append([]Guard(nil), r.guards...)
	r.mu.Unlock()

	target := path
	for hop := 0; hop <= maxRedirects; hop++ {
		if err := ctx.Err(); err != nil {
			return Location{}, err
		}

		to, err := r.Resolve(target)
		if err != nil {
			return Location{}, err
		}

		decision := runGuards(ctx, guards, to, from)
		if err := decision.Err(); err != nil {
			return Location{}, err
		}
		if next, ok := decision.Redirect(); ok {
			log.Printf("[router] %s redirected to %s", to.Path, next)
			target = next
			continue
		}

		r.mu.Lock()
		r.current = to
		r.mu.Unlock()
		return to, nil
	}

	return Location{}, fmt.Errorf("%w: navigating to %s", ErrRedirectLoop, path)
}

func runGuards(ctx context.Context, guards []Guard, to, from Location) Decision {
	for _, g := range guards {
		d := g(ctx, to, from)
		if _, redirect := d.Redirect(); redirect || d.Err() != nil {
			return d
		}
	}
	return Next()
}
