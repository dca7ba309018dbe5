package answer

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrEmptyQuery is returned when a query has no text after trimming.
var ErrEmptyQuery = errors.New("empty query")

// QueryRequest is a single question submitted to the answer endpoint.
// ConversationID is empty for the first turn of a conversation.
type QueryRequest struct {
	Text           string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// NewQueryRequest trims text and rejects empty queries.
func NewQueryRequest(text, conversationID string) (QueryRequest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return QueryRequest{}, ErrEmptyQuery
	}
	return QueryRequest{
		Text:           text,
		ConversationID: strings.TrimSpace(conversationID),
	}, nil
}

// Kind identifies the variant of an Event.
type Kind string

const (
	KindStatus   Kind = "status"
	KindToken    Kind = "token"
	KindSources  Kind = "sources"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Step is the producer's coarse progress indicator carried by status frames.
type Step string

const (
	StepIntent     Step = "intent"
	StepSearching  Step = "searching"
	StepGenerating Step = "generating"
)

// Event is one decoded frame of an answer stream. The set of variants is
// closed: StatusEvent, TokenEvent, SourcesEvent, CompleteEvent and
// ErrorEvent. Exactly one terminal event (Complete or Error) ends a turn.
type Event interface {
	Kind() Kind
	Terminal() bool
	event()
}

// StatusEvent reports what the producer is currently doing.
type StatusEvent struct {
	Step    Step   `json:"step"`
	Message string `json:"message"`
}

// TokenEvent is an incremental fragment of the generated answer.
type TokenEvent struct {
	Text string `json:"text"`
}

// SourcesEvent is a snapshot of every citation known at emission time.
type SourcesEvent struct {
	URLs []string `json:"urls"`
}

// CompleteEvent ends a turn successfully. FallbackAnswer carries the full
// answer for producers that do not stream tokens.
type CompleteEvent struct {
	ConversationID string         `json:"conversation_id"`
	FallbackAnswer string         `json:"answer,omitempty"`
	HasFallback    bool           `json:"-"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ErrorEvent ends a turn with a failure.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (StatusEvent) Kind() Kind   { return KindStatus }
func (TokenEvent) Kind() Kind    { return KindToken }
func (SourcesEvent) Kind() Kind  { return KindSources }
func (CompleteEvent) Kind() Kind { return KindComplete }
func (ErrorEvent) Kind() Kind    { return KindError }

func (StatusEvent) Terminal() bool   { return false }
func (TokenEvent) Terminal() bool    { return false }
func (SourcesEvent) Terminal() bool  { return false }
func (CompleteEvent) Terminal() bool { return true }
func (ErrorEvent) Terminal() bool    { return true }

func (StatusEvent) event()   {}
func (TokenEvent) event()    {}
func (SourcesEvent) event()  {}
func (CompleteEvent) event() {}
func (ErrorEvent) event()    {}

// Handler receives the events of one stream, in arrival order.
type Handler func(Event)

// CancelFunc tears down a stream. It returns immediately, is safe to call
// more than once and suppresses every later Handler invocation.
type CancelFunc func()

// Transport opens answer streams.
//
// Open must not invoke h before it returns. Every failure, including
// failure to connect, is reported to h as a single ErrorEvent; Open itself
// never fails.
type Transport interface {
	Open(ctx context.Context, req QueryRequest, h Handler) CancelFunc
}

// Config holds common configuration for transports.
type Config struct {
	Endpoint    string
	APIKey      string
	Headers     map[string]string
	IdleTimeout time.Duration // 0 disables
}
