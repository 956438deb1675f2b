// Package auth provides bearer-token authentication for the gateway HTTP API.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. The "sub" claim names
// the caller; an optional "owner" claim restricts the token to one tenant,
// so a tenant dashboard can stop its own sessions without being able to
// touch anyone else's. Tokens without that claim are operator tokens.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("dashboard", "owner-1", 24*time.Hour)
//
// HTTPAuthMiddleware verifies the token and stores an AuthContext in the
// request context, retrievable with FromContext.
package auth
