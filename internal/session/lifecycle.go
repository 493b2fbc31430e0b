package session

import (
	"context"

	"github.com/MrWong99/memoirvoice/internal/backend"
)

// Lifecycle is the part of the memoir backend a session calls at its
// boundaries. [*backend.Client] implements it.
type Lifecycle interface {
	StartConversation(ctx context.Context) (backend.Started, error)
	EndConversation(ctx context.Context, id string) (backend.Conversation, error)
	EndConversationQuick(ctx context.Context, id string) error
	GenerateMemoirAsync(ctx context.Context, req backend.MemoirRequest) error
	Profile(ctx context.Context) (backend.Profile, error)
	CompleteProfile(ctx context.Context) error
}

var _ Lifecycle = (*backend.Client)(nil)
