package answer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrMalformedFrame is returned by DecodeFrame when a frame's payload cannot
// be decoded even after repair. Transports drop such frames.
var ErrMalformedFrame = errors.New("malformed frame")

// envelope is the self-describing frame shape used by websocket producers and
// by SSE producers that send everything as the default "message" event.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type statusPayload struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

type tokenPayload struct {
	Text    string `json:"text"`
	Content string `json:"content"`
	Delta   string `json:"delta"`
}

type sourcesPayload struct {
	URLs    []json.RawMessage `json:"urls"`
	Sources []json.RawMessage `json:"sources"`
}

type sourceEntry struct {
	URL  string `json:"url"`
	Link string `json:"link"`
	Href string `json:"href"`
}

type completePayload struct {
	ConversationID      string         `json:"conversation_id"`
	ConversationIDCamel string         `json:"conversationId"`
	Answer              *string        `json:"answer"`
	FallbackAnswer      *string        `json:"fallback_answer"`
	Metadata            map[string]any `json:"metadata"`
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// DecodeFrame decodes a single wire frame. kind is the SSE event name (or
// the envelope type); "message" and "" mean data is itself an envelope.
// Unknown kinds decode to a nil Event and a nil error.
func DecodeFrame(kind string, data []byte) (Event, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || kind == "message" {
		var env envelope
		if err := unmarshalLenient(data, &env); err != nil {
			return nil, err
		}
		if env.Type == "" {
			return nil, fmt.Errorf("%w: envelope without type", ErrMalformedFrame)
		}
		kind = strings.ToLower(env.Type)
		if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
			data = env.Data
		}
	}

	switch kind {
	case "status":
		var p statusPayload
		if err := unmarshalLenient(data, &p); err != nil {
			return nil, err
		}
		return StatusEvent{Step: Step(p.Step), Message: p.Message}, nil
	case "token", "content", "delta", "text":
		return decodeToken(data)
	case "sources":
		urls, err := decodeSources(data)
		if err != nil {
			return nil, err
		}
		return SourcesEvent{URLs: urls}, nil
	case "complete", "done":
		return decodeComplete(data)
	case "error":
		return decodeError(data), nil
	default:
		return nil, nil
	}
}

func decodeToken(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		var p tokenPayload
		if err := unmarshalLenient(trimmed, &p); err != nil {
			return nil, err
		}
		text := p.Text
		if text == "" {
			text = p.Content
		}
		if text == "" {
			text = p.Delta
		}
		return TokenEvent{Text: text}, nil
	case len(trimmed) > 0 && trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return TokenEvent{Text: s}, nil
	default:
		// Raw text tokens keep their whitespace.
		return TokenEvent{Text: string(data)}, nil
	}
}

func decodeSources(data []byte) ([]string, error) {
	var entries []json.RawMessage
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := unmarshalLenient(trimmed, &entries); err != nil {
			return nil, err
		}
	} else {
		var p sourcesPayload
		if err := unmarshalLenient(trimmed, &p); err != nil {
			return nil, err
		}
		entries = p.URLs
		if entries == nil {
			entries = p.Sources
		}
	}

	urls := make([]string, 0, len(entries))
	for _, raw := range entries {
		ref, err := decodeSourceEntry(raw)
		if err != nil {
			return nil, err
		}
		if ref != "" {
			urls = append(urls, ref)
		}
	}
	return urls, nil
}

// decodeSourceEntry returns the reference exactly as sent; it is the
// de-duplication key downstream.
func decodeSourceEntry(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var e sourceEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", fmt.Errorf("%w: source entry %s: %v", ErrMalformedFrame, raw, err)
	}
	switch {
	case e.URL != "":
		return e.URL, nil
	case e.Link != "":
		return e.Link, nil
	default:
		return e.Href, nil
	}
}

func decodeComplete(data []byte) (Event, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return CompleteEvent{}, nil
	}
	var p completePayload
	if err := unmarshalLenient(data, &p); err != nil {
		return nil, err
	}
	ev := CompleteEvent{
		ConversationID: p.ConversationID,
		Metadata:       p.Metadata,
	}
	if ev.ConversationID == "" {
		ev.ConversationID = p.ConversationIDCamel
	}
	switch {
	case p.Answer != nil:
		ev.FallbackAnswer, ev.HasFallback = *p.Answer, true
	case p.FallbackAnswer != nil:
		ev.FallbackAnswer, ev.HasFallback = *p.FallbackAnswer, true
	}
	return ev, nil
}

// decodeError never fails: an error frame always ends the turn, so an
// undecodable payload becomes the message itself.
func decodeError(data []byte) Event {
	trimmed := bytes.TrimSpace(data)
	msg := string(trimmed)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p errorPayload
		if err := unmarshalLenient(trimmed, &p); err == nil {
			msg = p.Message
			if msg == "" {
				msg = p.Error
			}
		}
	}
	if msg == "" {
		msg = "stream error"
	}
	return ErrorEvent{Message: msg}
}

// unmarshalLenient decodes data into v, giving syntactically broken JSON one
// pass through jsonrepair. Type mismatches are not repaired.
func unmarshalLenient(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	repaired, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
