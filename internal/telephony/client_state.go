package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidClientState = errors.New("telephony: invalid client state")

type clientState struct {
	CallID string `json:"call_id"`
}

// EncodeClientState packs the internal call id into the opaque token that the
// provider echoes back on webhooks.
func EncodeClientState(callID string) string {
	b, _ := json.Marshal(clientState{CallID: callID})
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeClientState extracts the call id from a client-state token.
func DecodeClientState(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidClientState
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		// Some providers strip padding.
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(token, "="))
		if err != nil {
			return "", ErrInvalidClientState
		}
	}
	var cs clientState
	if err := json.Unmarshal(raw, &cs); err != nil || cs.CallID == "" {
		return "", ErrInvalidClientState
	}
	return cs.CallID, nil
}
