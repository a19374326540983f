// Package session keeps the bearer token of the signed-in user between runs
// and reads the claims the client needs from it. Tokens are persisted in
// Redis; signatures are never verified client-side.
package session
