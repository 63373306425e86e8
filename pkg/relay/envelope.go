package relay

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const ActionMessage = "message"

// Envelope is the JSON frame exchanged with chat clients.
type Envelope struct {
	Action  string `json:"action"`
	User    string `json:"user"`
	Message string `json:"message"`
}

func NewMessage(user, text string) Envelope {
	return Envelope{Action: ActionMessage, User: user, Message: text}
}

// Marshal encodes the envelope without HTML escaping so replies reach the client verbatim.
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ExtractMessage returns the non-blank "message" string of a channel payload.
func ExtractMessage(payload []byte) (string, error) {
	var in struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(payload, &in); err != nil {
		return "", errors.Wrap(&causeError{kind: ErrMalformedPayload, cause: err}, "decode payload")
	}
	if in.Message == nil {
		return "", errors.Wrap(ErrMalformedPayload, "payload has no message field")
	}
	if strings.TrimSpace(*in.Message) == "" {
		return "", errors.Wrap(ErrMalformedPayload, "payload message is empty")
	}
	return *in.Message, nil
}
