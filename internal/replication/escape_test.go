package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeDestinationURL(t *testing.T) {
	t.Run("strips scheme and separators", func(t *testing.T) {
		got := EscapeDestinationURL("http://peer.example.com:8080/")
		assert.NotContains(t, got, "://")
		assert.NotContains(t, got, ":")
	})

	t.Run("https scheme", func(t *testing.T) {
		got := EscapeDestinationURL("https://peer.example.com:9999")
		assert.NotContains(t, got, "https")
	})
}

func TestDestinationFailureDocKey(t *testing.T) {
	key := DestinationFailureDocKey("http://peer.example.com:8080/")
	assert.Contains(t, key, "Raven/Replication/Destinations/")
}
