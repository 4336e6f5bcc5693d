package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types exchanged with the controller.
const (
	TypeAuthRequired    = "auth_required"
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypeAuthInvalid     = "auth_invalid"
	TypeResult          = "result"
	TypeEvent           = "event"
	TypeCallService     = "call_service"
	TypeSubscribeEvents = "subscribe_events"
	TypeGetStates       = "get_states"
)

// Payload is the body of an outbound request. It must carry a "type" key;
// the client assigns "id".
type Payload map[string]any

// Event is an unsolicited notification pushed by the controller.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	TimeFired string          `json:"time_fired,omitempty"`
	Origin    string          `json:"origin,omitempty"`
}

// inboundFrame is the union of every frame shape the controller sends.
type inboundFrame struct {
	ID        *int64          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RemoteError    `json:"error,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	Message   string          `json:"message,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

var errMissingType = errors.New("frame has no type")

func decodeFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return inboundFrame{}, errMissingType
	}
	if f.Type == TypeResult && f.ID == nil {
		return inboundFrame{}, errors.New("result frame has no id")
	}
	if f.Type == TypeEvent && (f.Event == nil || f.Event.EventType == "") {
		return inboundFrame{}, errors.New("event frame has no event_type")
	}
	return f, nil
}

func encodeRequest(id int64, p Payload) ([]byte, error) {
	typ, _ := p["type"].(string)
	if typ == "" {
		return nil, errMissingType
	}
	out := make(map[string]any, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out["id"] = id
	return json.Marshal(out)
}

func encodeAuth(token string) ([]byte, error) {
	return json.Marshal(struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}{TypeAuth, token})
}
