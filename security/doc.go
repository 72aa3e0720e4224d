// Package security owns key material and answers the two questions the
// connection stack asks: "is this credential valid?" and "may this subject
// perform this action?".
//
// Keys are Ed25519 pairs with a lifecycle (issued -> active -> revoked).
// Credentials are compact JWTs signed by a registered key; verification is
// an O(1) lookup by the kid header. Permission checks are deny-by-default:
// an action not explicitly granted to a subject is denied.
package security
