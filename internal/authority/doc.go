// Package authority owns the OAuth token lifecycle of a mall.
//
// An Authority combines the login state store, the redirect listener, the token
// endpoint client and the token store into four operations: Login runs the
// browser based authorization-code flow, GetValidToken serves the cached access
// token and refreshes it near expiry, Refresh forces a refresh after the platform
// rejected a token, and Logout forgets the stored record.
//
// Concurrent refreshes within the process share a single token endpoint call.
// Every failure is an *Error carrying a Reason; use errors.Is with the Err
// sentinels to branch on it.
package authority
