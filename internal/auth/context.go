package auth

import "context"

type profileContextKey struct{}

// WithProfile returns a context carrying the authenticated user's profile.
// The server attaches it before handing requests to the GraphQL layer so
// mutations can record who triggered them.
func WithProfile(ctx context.Context, profile Profile) context.Context {
	return context.WithValue(ctx, profileContextKey{}, profile)
}

// ProfileFromContext returns the authenticated profile, if any
func ProfileFromContext(ctx context.Context) (Profile, bool) {
	profile, ok := ctx.Value(profileContextKey{}).(Profile)
	return profile, ok
}
