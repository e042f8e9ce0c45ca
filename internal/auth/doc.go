// Package auth authenticates requests to fleet-gateway.
//
// # Credential Verification
//
// Bearer tokens are HS256 JWTs carrying sub, iat and exp. JWTVerifier.Verify
// returns one of three verdicts:
//
//   - Valid: signature correct and not yet expired.
//   - Renewable: signature correct, expired, and still within the renewal window.
//   - Invalid: anything else. A bad signature is Invalid whatever the expiry says.
//
// # State Machine
//
// Authenticator.Authenticate evaluates each request in a fixed order:
//
//  1. Exempt routes (a flag set when the route is registered, or an exact path
//     prefix from auth.exempt_prefixes) are Authorized without an identity.
//  2. BearerStrategy: Valid tokens are resolved through the Directory and bound
//     to the caller's session; Renewable tokens yield AUTH_RENEWABLE.
//  3. LegacyHeaderStrategy: the X-Fleet-Token header is resolved through the Directory.
//  4. SessionStrategy: a session that already holds an identity is accepted.
//
// Directory and session access for one handle happens inside session.Store.Update
// so concurrent requests on the same session cannot interleave.
//
// # Rejection Codes
//
// Rejected requests get 401 with a JSON body {"code", "msg"}:
//
//	AUTH_EXPIRED       log in again (unknown or disabled user, missing session)
//	AUTH_RENEWABLE     call POST /api/auth/renew with the old token
//	AUTH_UNAUTHORIZED  the directory or session store failed
package auth
