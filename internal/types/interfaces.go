package types

import (
	"context"
)

type ThreadStore interface {
	ResolveOrCreate(ctx context.Context, key ThreadKey, source string) (*ThreadIndex, error)
	Get(ctx context.Context, key ThreadKey) (*ThreadIndex, error)
	List(ctx context.Context) ([]*ThreadIndex, error)
	Update(ctx context.Context, thread *ThreadIndex) error
	Delete(ctx context.Context, key ThreadKey) error
	LoadConversation(ctx context.Context, key ThreadKey) (string, error)
	SaveConversation(ctx context.Context, key ThreadKey, conversationID string) error
}

type TranscriptStore interface {
	Append(ctx context.Context, record *TurnRecord) error
	Tail(ctx context.Context, threadID ThreadID, limit int) ([]*TurnRecord, error)
	Count(ctx context.Context, threadID ThreadID) (int64, error)
}
