package gateway

import (
	"net/http"
	"strings"
)

const apiKeyHeader = "X-Api-Key"

// credentialSource pulls a credential out of one place in the request.
type credentialSource func(r *http.Request) (string, bool)

// credentialSources are tried in priority order: header sources before the
// query parameter. At most one credential is used per request.
var credentialSources = []credentialSource{
	bearerCredential,
	apiKeySchemeCredential,
	apiKeyHeaderCredential,
	queryParamCredential,
}

// ExtractCredential returns the caller's API key, or false for anonymous
// requests.
func ExtractCredential(r *http.Request) (string, bool) {
	for _, source := range credentialSources {
		if cred, ok := source(r); ok {
			return cred, true
		}
	}
	return "", false
}

func bearerCredential(r *http.Request) (string, bool) {
	return authorizationScheme(r, "Bearer")
}

func apiKeySchemeCredential(r *http.Request) (string, bool) {
	return authorizationScheme(r, "ApiKey")
}

func authorizationScheme(r *http.Request, scheme string) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], scheme) || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func apiKeyHeaderCredential(r *http.Request) (string, bool) {
	if k := strings.TrimSpace(r.Header.Get(apiKeyHeader)); k != "" {
		return k, true
	}
	return "", false
}

func queryParamCredential(r *http.Request) (string, bool) {
	if k := strings.TrimSpace(r.URL.Query().Get("api_key")); k != "" {
		return k, true
	}
	return "", false
}
