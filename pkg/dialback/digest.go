package dialback

import (
	"github.com/google/uuid"

	"github.com/polisai/polis-s2s/pkg/domain"
	"github.com/polisai/polis-s2s/pkg/secret"
)

// Digest computes the dialback key for streamID under secret. The result
// is lowercase hex HMAC-SHA256 and is identical on every node sharing the
// secret.
func Digest(streamID, secretValue string) string {
	return secret.Digest(streamID, []byte(secretValue))
}

// NewStreamID returns an unguessable stream identifier.
func NewStreamID() domain.StreamID {
	return domain.StreamID(uuid.NewString())
}
