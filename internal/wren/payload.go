package wren

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ProxyRequest is the caller-supplied body of a relay call.
// Wire shape: {"project_id": ..., "text": ..., "additional_payload": {...}}.
type ProxyRequest struct {
	ProjectID *string
	Text      *string
	Extra     *orderedmap.OrderedMap[string, json.RawMessage]
}

type proxyRequestWire struct {
	ProjectID json.RawMessage                                 `json:"project_id,omitempty"`
	Text      *string                                         `json:"text"`
	Extra     *orderedmap.OrderedMap[string, json.RawMessage] `json:"additional_payload,omitempty"`
}

// UnmarshalJSON accepts project_id as either a JSON string or a JSON number.
// additional_payload keeps the caller's key order.
func (r *ProxyRequest) UnmarshalJSON(data []byte) error {
	var w proxyRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	id, err := decodeProjectID(w.ProjectID)
	if err != nil {
		return err
	}

	r.ProjectID = id
	r.Text = w.Text
	r.Extra = w.Extra
	return nil
}

func (r ProxyRequest) MarshalJSON() ([]byte, error) {
	w := proxyRequestWire{Text: r.Text, Extra: r.Extra}
	if r.ProjectID != nil {
		b, err := json.Marshal(*r.ProjectID)
		if err != nil {
			return nil, err
		}
		w.ProjectID = b
	}
	return json.Marshal(w)
}

func decodeProjectID(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decoding project_id: %w", err)
		}
		return &s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		s := string(raw)
		return &s, nil
	default:
		return nil, fmt.Errorf("project_id must be a string or a number")
	}
}

// Payload is the JSON object sent upstream. Field order is the merge order
// and is preserved on the wire.
type Payload struct {
	projectID int64
	fields    *orderedmap.OrderedMap[string, json.RawMessage]
}

// ProjectID returns the integer project identifier carried in the payload.
func (p *Payload) ProjectID() int64 {
	return p.projectID
}

// Field returns the raw JSON value stored under key.
func (p *Payload) Field(key string) (json.RawMessage, bool) {
	return p.fields.Get(key)
}

// Keys returns the payload keys in wire order.
func (p *Payload) Keys() []string {
	keys := make([]string, 0, p.fields.Len())
	for pair := p.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	return p.fields.MarshalJSON()
}

// Normalize validates req and builds the upstream payload.
//
// Merge precedence, lowest first: question/text from req.Text, then every
// additional_payload key in caller order, then projectId. A later write to
// an existing key replaces its value in place, so projectId always carries
// the parsed identifier.
func Normalize(req ProxyRequest) (*Payload, error) {
	if req.ProjectID == nil || strings.TrimSpace(*req.ProjectID) == "" {
		return nil, validationError("project_id is required")
	}

	id, err := strconv.ParseInt(strings.TrimSpace(*req.ProjectID), 10, 64)
	if err != nil {
		return nil, validationError("project_id must be a valid integer")
	}

	text := json.RawMessage("null")
	if req.Text != nil {
		b, err := json.Marshal(*req.Text)
		if err != nil {
			return nil, validationError("text must be a valid string")
		}
		text = b
	}

	fields := orderedmap.New[string, json.RawMessage]()
	fields.Set("question", text)
	fields.Set("text", text)
	if req.Extra != nil {
		for pair := req.Extra.Oldest(); pair != nil; pair = pair.Next() {
			fields.Set(pair.Key, pair.Value)
		}
	}
	fields.Set("projectId", json.RawMessage(strconv.FormatInt(id, 10)))

	return &Payload{projectID: id, fields: fields}, nil
}
