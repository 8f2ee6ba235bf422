package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// KeepaliveFrame is the frame a persistent socket sends to prove liveness
var KeepaliveFrame = []byte("[]")

// EncodeBatch encodes messages as a JSON array, in order
func EncodeBatch(messages []*Message) ([]byte, error) {
	if messages == nil {
		messages = []*Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return data, nil
}

// DecodeFrame decodes an inbound frame. Servers may answer with either a
// JSON array of messages or a single message object; null yields nothing.
func DecodeFrame(data []byte) ([]*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("failed to decode frame: empty payload")
	}

	switch trimmed[0] {
	case '[':
		var messages []*Message
		if err := json.Unmarshal(trimmed, &messages); err != nil {
			return nil, fmt.Errorf("failed to decode frame: %w", err)
		}
		out := messages[:0]
		for _, m := range messages {
			if m != nil {
				out = append(out, m)
			}
		}
		return out, nil
	case '{':
		var m Message
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("failed to decode frame: %w", err)
		}
		return []*Message{&m}, nil
	default:
		if bytes.Equal(trimmed, []byte("null")) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode frame: unexpected leading byte %q", trimmed[0])
	}
}

// ErrorInfo is the parsed form of a Bayeux error string "code:args:message"
type ErrorInfo struct {
	Code    int
	Args    []string
	Message string
}

// ParseError parses the error field of a reply. Strings that do not follow
// the code:args:message grammar come back with Code 0 and the whole string
// as Message.
func ParseError(s string) ErrorInfo {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return ErrorInfo{Message: s}
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil || len(parts[0]) != 3 {
		return ErrorInfo{Message: s}
	}
	info := ErrorInfo{Code: code, Message: parts[2]}
	if parts[1] != "" {
		info.Args = strings.Split(parts[1], ",")
	}
	return info
}
