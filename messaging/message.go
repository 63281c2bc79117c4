// Package messaging is the inter-context channel of the cleaner: every context
// (background, popup, one content runtime per tab) owns a Router, and routers
// reach each other through a shared Bus.
package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ContextKind names one of the execution contexts attached to the bus.
type ContextKind string

const (
	Background ContextKind = "background"
	Content    ContextKind = "content"
	Popup      ContextKind = "popup"
)

// TabID is the opaque handle of a browser tab.
type TabID string

// Target addresses one endpoint on the bus. Tab is only set for content runtimes.
type Target struct {
	Context ContextKind `json:"context"`
	Tab     TabID       `json:"tab,omitempty"`
}

func ToBackground() Target   { return Target{Context: Background} }
func ToPopup() Target        { return Target{Context: Popup} }
func ToTab(tab TabID) Target { return Target{Context: Content, Tab: tab} }
func (t Target) IsTab() bool { return t.Context == Content }
func (t Target) String() string {
	if t.Tab != "" {
		return fmt.Sprintf("%s[%s]", t.Context, t.Tab)
	}
	return string(t.Context)
}

// Message is the unit carried by the bus. It is consumed exactly once.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Source    Target          `json:"source"`
}

// Decode unmarshals the payload into out. An empty payload leaves out untouched.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return errors.Wrapf(err, "decode %s payload", m.Type)
	}
	return nil
}

// Reply is the structured answer to a direct send.
type Reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

func newMessage(source Target, msgType string, payload any) (Message, error) {
	raw, err := encode(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "encode %s payload", msgType)
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      NormalizeType(msgType),
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
	}, nil
}

func encode(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

// NormalizeType upper-cases a type tag and maps camelCase boundaries and
// '-', '.', ':' and spaces to '_', so "stateChanged", "state-changed" and
// "STATE_CHANGED" all address the same handler.
func NormalizeType(t string) string {
	var b strings.Builder
	b.Grow(len(t) + 4)
	runes := []rune(strings.TrimSpace(t))
	lastSep := true
	for i, r := range runes {
		switch {
		case r == '-' || r == '.' || r == ':' || r == '_' || unicode.IsSpace(r):
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
			continue
		case unicode.IsUpper(r) && i > 0 && !lastSep:
			prev := runes[i-1]
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
		lastSep = false
	}
	return strings.TrimSuffix(b.String(), "_")
}
