package history

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one role-tagged message in a session's conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func UserTurn(content string) Turn      { return Turn{Role: RoleUser, Content: content} }
func AssistantTurn(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// EncodeTurns renders turns as a JSON array of {role, content} objects.
// A nil or empty slice encodes as "[]".
func EncodeTurns(turns []Turn) (string, error) {
	if turns == nil {
		turns = []Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", errors.Wrap(err, "encode turns")
	}
	return string(b), nil
}

func DecodeTurns(s string) ([]Turn, error) {
	var turns []Turn
	if err := json.Unmarshal([]byte(s), &turns); err != nil {
		return nil, errors.Wrap(err, "decode turns")
	}
	for i, t := range turns {
		if !t.Role.Valid() {
			return nil, errors.Errorf("decode turns: turn %d has unknown role %q", i, t.Role)
		}
	}
	return turns, nil
}
