// Package resolver computes conversation identity. Direct conversations get
// a deterministic ID derived from the participant pair so two clients racing
// to create the same 1:1 conversation converge without coordination; group
// conversations always take a server-assigned ID.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/remote"
	"github.com/yohanhyunsungyi/MessageAI-sub001/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInvalidParticipants is returned when the participant set violates
	// size or content constraints.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrNotAuthenticated is returned when the caller's own user ID is
	// absent from the participant set.
	ErrNotAuthenticated = errors.New("caller not among participants")
)

// DirectID computes the deterministic identity of a 1:1 conversation:
// the sorted participant pair joined with an underscore.
func DirectID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// Resolver resolves and idempotently creates conversations.
type Resolver struct {
	db     *store.DB
	remote remote.Store
	userID string
	logger *zap.Logger

	// mu serializes local creation so concurrent Resolve calls for the same
	// pair from this client produce one local row. Cross-client convergence
	// comes from the deterministic ID, not from this lock.
	mu sync.Mutex
}

// New creates a Resolver for the given authenticated user.
func New(db *store.DB, r remote.Store, userID string, logger *zap.Logger) *Resolver {
	return &Resolver{db: db, remote: r, userID: userID, logger: logger}
}

// Resolve returns the conversation ID for a direct conversation between
// exactly two participants, creating it remotely and locally on first use.
func (r *Resolver) Resolve(ctx context.Context, participants []string) (string, error) {
	ids := normalize(participants)
	if len(ids) != 2 {
		return "", fmt.Errorf("%w: direct conversation needs exactly 2 participants, got %d", ErrInvalidParticipants, len(ids))
	}
	if !slices.Contains(ids, r.userID) {
		return "", ErrNotAuthenticated
	}

	id := DirectID(ids[0], ids[1])

	r.mu.Lock()
	defer r.mu.Unlock()

	// Fast path: already known locally.
	if local, err := r.db.GetConversation(id); err != nil {
		return "", err
	} else if local != nil {
		return id, nil
	}

	// Remote-first existence check makes creation idempotent across clients.
	existing, err := r.remote.QueryConversation(ctx, id)
	if err != nil {
		return "", fmt.Errorf("query conversation: %w", err)
	}
	if existing != nil {
		if err := r.storeLocal(*existing); err != nil {
			return "", err
		}
		return id, nil
	}

	created, err := r.remote.CreateConversation(ctx, remote.Conversation{
		ID:           id,
		Kind:         store.KindDirect,
		Participants: ids,
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if err := r.storeLocal(created); err != nil {
		return "", err
	}
	r.logger.Info("direct conversation created", zap.String("conversation_id", id))
	return id, nil
}

// ResolveGroup creates a group conversation with a server-assigned ID.
func (r *Resolver) ResolveGroup(ctx context.Context, name string, participants []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: group needs a non-empty name", ErrInvalidParticipants)
	}
	ids := normalize(participants)
	if len(ids) < 3 {
		return "", fmt.Errorf("%w: group needs at least 3 participants, got %d", ErrInvalidParticipants, len(ids))
	}
	if !slices.Contains(ids, r.userID) {
		return "", ErrNotAuthenticated
	}

	created, err := r.remote.CreateConversation(ctx, remote.Conversation{
		Kind:         store.KindGroup,
		Name:         name,
		Participants: ids,
	})
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	if err := r.storeLocal(created); err != nil {
		return "", err
	}
	r.logger.Info("group conversation created",
		zap.String("conversation_id", created.ID), zap.Int("participants", len(ids)))
	return created.ID, nil
}

func (r *Resolver) storeLocal(c remote.Conversation) error {
	return r.db.UpsertConversation(&store.Conversation{
		ID:            c.ID,
		Kind:          c.Kind,
		Name:          c.Name,
		Participants:  c.Participants,
		LastMessageAt: c.LastMessageAt,
		UnreadCounts:  c.UnreadCounts,
	})
}

// normalize dedups, trims and sorts participant IDs.
func normalize(participants []string) []string {
	seen := make(map[string]bool, len(participants))
	var out []string
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
