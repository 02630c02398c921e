package admission

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmtrace/gateway/internal/core"
)

const maxBatchEvents = 100

// Event is one observability event after validation. Fields holds the full
// payload; the typed fields are the discriminant and common metadata.
type Event struct {
	EventType string                 `json:"event_type"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields"`
}

// eventSchemas maps each event type to the fields it must carry. The
// discriminant picks the schema; unknown types are rejected.
var eventSchemas = map[string][]string{
	"llm_call":   {"model", "input"},
	"tool_call":  {"tool_name"},
	"agent_step": {"agent_name", "step_index"},
	"error":      {"message"},
	"feedback":   {"request_id", "rating"},
	"custom":     {"name"},
}

// ValidateEvent checks one raw event against its type's schema.
func ValidateEvent(body []byte) (*Event, *core.Error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, core.NewError(core.KindInvalidRequest, "invalid_json", "event is not a JSON object")
	}
	return validateEventFields(fields)
}

func validateEventFields(fields map[string]interface{}) (*Event, *core.Error) {
	eventType, _ := fields["event_type"].(string)
	if eventType == "" {
		return nil, core.NewError(core.KindInvalidRequest, "missing_event_type", "event_type is required")
	}
	required, ok := eventSchemas[eventType]
	if !ok {
		return nil, core.NewError(core.KindInvalidRequest, "unknown_event_type",
			fmt.Sprintf("unsupported event_type %q", eventType))
	}
	for _, field := range required {
		if _, present := fields[field]; !present {
			return nil, core.NewError(core.KindInvalidRequest, "missing_field",
				fmt.Sprintf("event_type %q requires field %q", eventType, field))
		}
	}

	ev := &Event{EventType: eventType, Fields: fields, Timestamp: time.Now().UTC()}
	if id, _ := fields["request_id"].(string); id != "" {
		ev.RequestID = id
	}
	if ts, _ := fields["timestamp"].(string); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			ev.Timestamp = t
		}
	}
	return ev, nil
}

// ValidateBatch checks a batch ingest body: {"events": [...]} with between
// 1 and 100 entries. The whole batch is rejected on the first bad event.
func ValidateBatch(body []byte) ([]*Event, *core.Error) {
	var payload struct {
		Events []map[string]interface{} `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, core.NewError(core.KindInvalidRequest, "invalid_json", "batch body is not valid JSON")
	}
	if len(payload.Events) == 0 || len(payload.Events) > maxBatchEvents {
		return nil, core.NewError(core.KindInvalidRequest, "invalid_batch",
			fmt.Sprintf("batch must contain between 1 and %d events", maxBatchEvents))
	}

	events := make([]*Event, 0, len(payload.Events))
	for i, fields := range payload.Events {
		ev, verr := validateEventFields(fields)
		if verr != nil {
			verr.Message = fmt.Sprintf("event %d: %s", i, verr.Message)
			return nil, verr
		}
		events = append(events, ev)
	}
	return events, nil
}
