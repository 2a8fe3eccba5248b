package router

import (
	"context"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/z-chat/internal/model/user"
	"github.com/zhouzirui/z-chat/internal/service/credential"
)

// UserChecker is the remote "who am I" call. It must fail when the stored
// token is not valid.
type UserChecker interface {
	CurrentUser(ctx context.Context) (user.Public, error)
}

// AuthGuard sends unauthenticated users to the login page and keeps
// authenticated users away from login and register.
type AuthGuard struct {
	tokens credential.Store
	users  UserChecker
	now    func() time.Time
}

// NewAuthGuard builds the guard over the shared token store.
func NewAuthGuard(tokens credential.Store, users UserChecker) *AuthGuard {
	return &AuthGuard{tokens: tokens, users: users, now: time.Now}
}

// Check is a Guard.
func (g *AuthGuard) Check(ctx context.Context, to, _ Location) Decision {
	token, hasToken := g.tokens.Get()

	if to.Route.RequiresAuth {
		if !hasToken {
			return RedirectTo(PathLogin)
		}
		if err := g.verify(ctx, token); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Abort(ctxErr)
			}
			log.Printf("[router] token rejected for %s: %v", to.Path, err)
			g.clear()
			return RedirectTo(PathLogin)
		}
		return Next()
	}

	if hasToken && (to.Path == PathLogin || to.Path == PathRegister) {
		if err := g.verify(ctx, token); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Abort(ctxErr)
			}
			g.clear()
			return Next()
		}
		return RedirectTo(PathHome)
	}

	return Next()
}

func (g *AuthGuard) verify(ctx context.Context, token string) error {
	if tokenExpired(token, g.now()) {
		return jwt.ErrTokenExpired
	}
	_, err := g.users.CurrentUser(ctx)
	return err
}

func (g *AuthGuard) clear() {
	if err := g.tokens.Clear(); err != nil {
		log.Printf("[router] failed to clear token: %v", err)
	}
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Opaque tokens are never considered expired here; the backend decides.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
