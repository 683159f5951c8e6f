package assistant

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/wolfman30/replies-engine/internal/fault"
)

// Reply is the structured payload the reply assistants are instructed to
// produce.
type Reply struct {
	Content              string `json:"content"`
	TaskComplete         int    `json:"task_complete"`
	HandOffToHuman       bool   `json:"hand_off_to_human"`
	HandOffToHumanReason string `json:"hand_off_to_human_reason"`
}

var ErrEmptyReply = errors.New("assistant: reply has no content")

// ParseReply decodes an assistant message into a Reply. Assistants that
// ignore their formatting instructions and answer in plain text still get
// delivered: the whole text becomes the content. A structured reply with no
// content is an error, since there is nothing to send.
func ParseReply(raw string) (*Reply, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fault.Permanent(ErrEmptyReply)
	}

	var reply Reply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil {
		return &Reply{Content: trimmed}, nil
	}
	if strings.TrimSpace(reply.Content) == "" {
		return nil, fault.Permanent(ErrEmptyReply)
	}
	return &reply, nil
}
