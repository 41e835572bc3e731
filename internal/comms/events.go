package comms

import (
	"fmt"
	"time"

	"github.com/hivecore/hivecore/internal/events"
	"github.com/hivecore/hivecore/internal/events/bus"
)

// MessageEvent wraps a message in a bus event for publishing.
func MessageEvent(msg *Message) *bus.Event {
	data := map[string]interface{}{
		"message_id":   msg.ID,
		"session_id":   msg.SessionID,
		"from_agent":   msg.FromAgent,
		"message_type": string(msg.Type),
		"content":      msg.Content,
		"timestamp":    msg.Timestamp.Format(time.RFC3339Nano),
	}
	if msg.ToAgent != "" {
		data["to_agent"] = msg.ToAgent
	}
	if len(msg.Metadata) > 0 {
		meta := make(map[string]interface{}, len(msg.Metadata))
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		data["metadata"] = meta
	}
	return bus.NewEvent(events.MessageSent, "comms", data)
}

// MessageFromEvent decodes a message from a bus event. The NATS transport
// round-trips event data through JSON, so numbers arrive as float64 and maps
// as map[string]interface{}; decoding tolerates both forms.
func MessageFromEvent(event *bus.Event) (*Message, error) {
	if event == nil || event.Data == nil {
		return nil, fmt.Errorf("event carries no data")
	}

	msg := &Message{
		SessionID: stringField(event.Data, "session_id"),
		FromAgent: stringField(event.Data, "from_agent"),
		ToAgent:   stringField(event.Data, "to_agent"),
		Type:      MessageType(stringField(event.Data, "message_type")),
		Content:   stringField(event.Data, "content"),
	}
	if msg.SessionID == "" {
		return nil, fmt.Errorf("event missing session_id")
	}
	if msg.FromAgent == "" {
		return nil, fmt.Errorf("event missing from_agent")
	}

	switch v := event.Data["message_id"].(type) {
	case int64:
		msg.ID = v
	case int:
		msg.ID = int64(v)
	case float64:
		msg.ID = int64(v)
	default:
		return nil, fmt.Errorf("event missing message_id")
	}

	switch v := event.Data["timestamp"].(type) {
	case time.Time:
		msg.Timestamp = v
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
		msg.Timestamp = ts
	default:
		msg.Timestamp = event.Timestamp
	}

	switch meta := event.Data["metadata"].(type) {
	case map[string]interface{}:
		msg.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			msg.Metadata[k] = fmt.Sprintf("%v", v)
		}
	case map[string]string:
		msg.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			msg.Metadata[k] = v
		}
	}

	return msg, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
