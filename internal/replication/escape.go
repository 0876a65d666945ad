package replication

import (
	"net/url"
	"strings"
)

// EscapeDestinationURL derives the key under which a destination's
// DestinationFailureInformation is persisted:
// Raven/Replication/Destinations/<escaped_url>. The scheme and path
// separators are stripped before escaping so the result is a single path
// segment safe for any key-value store.
func EscapeDestinationURL(destURL string) string {
	stripped := strings.NewReplacer(
		"http://", "",
		"https://", "",
		"/", "",
		":", "",
	).Replace(destURL)
	return url.QueryEscape(stripped)
}

// DestinationFailureDocKey returns the full local-store key for the
// persisted failure document of destURL.
func DestinationFailureDocKey(destURL string) string {
	return "Raven/Replication/Destinations/" + EscapeDestinationURL(destURL)
}
