package auth

import (
	"context"
	"net/http"

	"ms-reservation/internal/models"
)

type contextKey string

const actorKey contextKey = "actor"

// Middleware rejects requests without a valid bearer token and stores the caller in the
// request context.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := v.FromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// FromRequest verifies the request's bearer token.
func (v *Verifier) FromRequest(r *http.Request) (models.Actor, error) {
	raw, err := ExtractTokenFromRequest(r)
	if err != nil {
		return models.Actor{}, err
	}
	return v.Actor(raw)
}

func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the caller stored by Middleware.
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(models.Actor)
	return actor, ok
}
