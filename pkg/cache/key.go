package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// credentialParams are query parameters that must never reach a cache key.
var credentialParams = map[string]bool{
	"api_key": true,
}

// CacheKey identifies a cached Planet API response.
type CacheKey struct {
	// Endpoint is host plus path (e.g. "api.planet.com/basemaps/v1/mosaics")
	Endpoint string

	// QueryParams are the request query parameters
	QueryParams url.Values

	// Account is the fingerprint of the API key the response was fetched
	// with; different keys can see different mosaics.
	Account string
}

// String generates a deterministic cache key string.
// Format: planet:endpoint:query1=val1:query2=a,b:acct=fingerprint
//
// Example:
//
//	planet:api.planet.com/basemaps/v1/mosaics:name__is=global_monthly_2024_01_mosaic:acct=3f2a9c1b7e0d4a55
func (k CacheKey) String() string {
	parts := []string{"planet"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			if credentialParams[key] {
				continue
			}
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	if k.Account != "" {
		parts = append(parts, "acct="+k.Account)
	}

	return strings.Join(parts, ":")
}

// KeyForURL builds the cache key of a request URL for account.
func KeyForURL(u *url.URL, account string) CacheKey {
	return CacheKey{
		Endpoint:    u.Host + u.Path,
		QueryParams: u.Query(),
		Account:     account,
	}
}

// AccountFingerprint derives a short, non-reversible identifier for an API key.
func AccountFingerprint(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
