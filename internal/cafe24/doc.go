// Package cafe24 submits product reviews to the merchant admin API.
//
// Every call obtains its bearer token from a TokenProvider. When the API answers
// 401 the token is refreshed once and the call repeated once; a second 401 is
// reported as authority.ErrReauthRequired.
package cafe24
