// Package tokensource talks to the platform's OAuth 2.0 token endpoint.
//
// The platform follows the standard authorization-code grant with two quirks that
// require custom handling:
//   - Refresh-token requests must repeat the redirect_uri used at authorization time
//   - Token responses may carry an absolute expires_at instead of (or besides) expires_in
//
// # Usage
//
//	c := tokensource.New(tokensource.Config{
//		ClientID:     clientID,
//		ClientSecret: clientSecret,
//		RedirectURL:  "http://127.0.0.1:8765/callback",
//		Scopes:       []string{"mall.read_product", "mall.write_product"},
//		Endpoint:     tokensource.Endpoint(tokensource.BaseURL(tokensource.DefaultBaseURL, mallID)),
//	})
//	record, err := c.Exchange(ctx, code)
//
// Every call performs exactly one HTTP request. Failures are returned as *Error,
// classified so callers can tell a rejected credential from an unreachable server.
package tokensource
