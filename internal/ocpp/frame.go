package ocpp

import (
	"encoding/json"
	"fmt"
)

// ValidateMessage checks that a raw frame is a well-formed OCPP message
// array before ParseMessage commits to unmarshaling it into a typed Call,
// CallResult or CallError. Router.Dispatch calls this first so a malformed
// frame can still be answered with a CALLERROR carrying the right message
// id, instead of being silently dropped.
func ValidateMessage(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("invalid JSON array: %w", err)
	}

	if len(arr) < 3 {
		return fmt.Errorf("message array too short: expected at least 3 elements, got %d", len(arr))
	}

	var msgType MessageType
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	switch msgType {
	case MessageTypeCall:
		if len(arr) != 4 {
			return fmt.Errorf("call message must have 4 elements, got %d", len(arr))
		}
	case MessageTypeCallResult:
		if len(arr) != 3 {
			return fmt.Errorf("call result message must have 3 elements, got %d", len(arr))
		}
	case MessageTypeCallError:
		if len(arr) != 5 {
			return fmt.Errorf("call error message must have 5 elements, got %d", len(arr))
		}
	default:
		return fmt.Errorf("unknown message type: %d", msgType)
	}

	return nil
}

// GetMessageType reads just the leading type discriminator out of a raw
// frame, without committing to a full ParseMessage.
func GetMessageType(data []byte) (MessageType, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return 0, fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(arr) < 1 {
		return 0, fmt.Errorf("empty message array")
	}

	var msgType MessageType
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return 0, fmt.Errorf("invalid message type: %w", err)
	}
	return msgType, nil
}

// GetMessageID reads the message id out of a raw frame that failed full
// decoding, so a CALLERROR reply can still target the right in-flight
// request instead of being dropped silently.
func GetMessageID(data []byte) (string, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(arr) < 2 {
		return "", fmt.Errorf("message array too short")
	}

	var uniqueID string
	if err := json.Unmarshal(arr[1], &uniqueID); err != nil {
		return "", fmt.Errorf("invalid message id: %w", err)
	}
	return uniqueID, nil
}
