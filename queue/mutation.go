package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"time"
)

// ErrUnsupportedPayload is returned for request bodies the retry path cannot resend as JSON.
var ErrUnsupportedPayload = errors.New("unsupported payload")

// Mutation is a pending mutating request that failed to reach the network.
// It is resent as a JSON POST to its target URL.
type Mutation struct {
	ID         string
	TargetURL  string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	// Number of failed resends.
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	// Dead mutations ran out of attempts and are not resent anymore.
	Dead bool
}

// ID derives a mutation id from the target and payload,
// so resubmitting the same form overwrites the earlier submission.
func ID(targetURL string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(targetURL))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Payload converts a request body into the JSON payload stored in the queue.
// JSON bodies are kept as they are; form bodies become an object with a string value per field,
// or an array of strings for fields given more than once.
func Payload(contentType string, body []byte) (json.RawMessage, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, contentType)
	}
	switch mediaType {
	case "application/json":
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w: invalid JSON", ErrUnsupportedPayload)
		}
		return json.RawMessage(body), nil
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedPayload, err)
		}
		fields := make(map[string]any, len(values))
		for name, vv := range values {
			if len(vv) == 1 {
				fields[name] = vv[0]
			} else {
				fields[name] = vv
			}
		}
		return json.Marshal(fields)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayload, mediaType)
}
