package proxy

import (
	"net/http"
	"strings"
)

// Canonical tracking-API prefixes, and their external-form equivalents used
// when the backend is reached through an externally addressed hostname.
const (
	metadataPrefix         = "/api/2.0/mlflow"
	artifactPrefix         = "/api/2.0/mlflow-artifacts"
	externalMetadataPrefix = "/api/2.0/preview/mlflow"
	externalArtifactPrefix = "/api/2.0/preview/mlflow-artifacts"
)

// proxyMounts are the route prefixes under which the forwarder is mounted.
// "/proxy" is the legacy mount, "/mlflow" the current one.
var proxyMounts = []string{"/proxy", "/mlflow"}

// writeActions are the terminal path segments of mutating metadata-API
// calls. Classification keys off the segment rather than the HTTP verb
// because the backend uses POST for read-like search calls too.
var writeActions = map[string]struct{}{
	"create":        {},
	"update":        {},
	"delete":        {},
	"set-tag":       {},
	"log-metric":    {},
	"log-parameter": {},
	"log-batch":     {},
}

// TranslatePath rewrites a canonical backend path for the external topology.
// Internally addressed backends take the path unchanged. The artifact prefix
// is checked first so the metadata prefix cannot shadow it.
func TranslatePath(path string, external bool) string {
	if !external {
		return path
	}
	if rest, ok := cutAPIPrefix(path, artifactPrefix); ok {
		return externalArtifactPrefix + rest
	}
	if rest, ok := cutAPIPrefix(path, metadataPrefix); ok {
		return externalMetadataPrefix + rest
	}
	return path
}

// cutAPIPrefix cuts prefix off path, matching whole path segments only.
func cutAPIPrefix(path, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || (rest != "" && rest[0] != '/') {
		return "", false
	}
	return rest, true
}

// IsWriteRequest classifies a request against the proxied backend as
// mutating. Metadata-API requests are writes when the terminal path segment
// names a mutating action; artifact-API requests are writes for mutating
// verbs.
func IsWriteRequest(method, path string) bool {
	p := stripMount(path)
	if isArtifactPath(p) {
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
			return true
		}
		return false
	}
	if _, ok := cutAPIPrefix(p, metadataPrefix); !ok {
		return false
	}
	seg := p[strings.LastIndex(p, "/")+1:]
	_, write := writeActions[seg]
	return write
}

// stripMount removes a proxy mount prefix, if present, so classification
// works on both the mounted request path and the canonical backend path.
func stripMount(path string) string {
	for _, mount := range proxyMounts {
		if rest, ok := cutAPIPrefix(path, mount); ok {
			return rest
		}
	}
	return path
}

func isArtifactPath(path string) bool {
	_, ok := cutAPIPrefix(path, artifactPrefix)
	return ok
}
