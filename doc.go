// Package oauth provides the shared types for an OAuth 2.0 authorization
// server core: user-facing OAuth error values and the token response and
// auth info shapes exchanged with the HTTP layer.
//
// The server logic lives in the server subpackage; persistence contracts and
// backends live under storage.
package oauth
