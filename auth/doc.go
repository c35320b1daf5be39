// Package auth validates the bearer tokens clients present when opening a
// connection. Tokens are HS256 JWTs whose subject is the user id.
package auth
