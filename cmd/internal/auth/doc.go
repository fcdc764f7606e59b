// Package auth turns bearer tokens minted by the external identity provider
// into a verified Principal attached to the request context.
//
// Credential issuance (login, refresh, password handling) is not done here;
// the service only verifies HS256 JWTs and trusts the resulting (user id, role).
package auth
