package tokensource

import (
	"strings"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the per-mall API root. {mall} is replaced by the mall identifier.
const DefaultBaseURL = "https://{mall}.cafe24api.com/api/v2"

// BaseURL expands the {mall} placeholder of a base URL template.
func BaseURL(template, mallID string) string {
	return strings.TrimRight(strings.ReplaceAll(template, "{mall}", mallID), "/")
}

// Endpoint returns the OAuth2 endpoints below the given API root.
// Client credentials are sent as form parameters, never via HTTP Basic auth.
func Endpoint(baseURL string) oauth2.Endpoint {
	base := strings.TrimRight(baseURL, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/oauth/authorize",
		TokenURL:  base + "/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
}
