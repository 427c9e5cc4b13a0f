package sync

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/terracrypt/chatsync/pkg/store"
)

// Reconciler applies status transitions with monotonic semantics:
// pending < sent < delivered < read, and a message never moves down.
type Reconciler struct {
	store *store.Store
	log   zerolog.Logger
}

func newReconciler(s *store.Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: s, log: log.With().Str("component", "reconciler").Logger()}
}

// ApplyStatus advances the message identified by id (client or server)
// to max(current, incoming). Failed is never set from here: it is a
// local transmission outcome, not a remote-origin status. An unknown id
// or non-advancing status is a soft no-op.
func (r *Reconciler) ApplyStatus(ctx context.Context, id string, status store.Status) error {
	rank := status.Rank()
	if rank < 0 {
		r.log.Debug().Str("id", id).Str("status", string(status)).Msg("Ignoring non-orderable status")
		return nil
	}
	msg, err := r.store.GetMessageByEitherID(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		r.log.Debug().Str("id", id).Msg("Status for unknown message, skipping")
		return nil
	}
	if msg.Status.Rank() >= rank {
		return nil
	}
	return r.store.SetStatus(ctx, msg.ClientID, status)
}

// MarkFailed records a local transmission failure. Valid only from
// pending or sent; once a message is delivered or read the failure is
// stale and ignored.
func (r *Reconciler) MarkFailed(ctx context.Context, clientID string) error {
	msg, err := r.store.GetMessageByClientID(ctx, clientID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	if msg.Status != store.StatusPending && msg.Status != store.StatusSent {
		return nil
	}
	return r.store.SetStatus(ctx, clientID, store.StatusFailed)
}

// ApplyBulkRead marks each server id read, skipping ids with no local
// match. Returns how many messages actually changed. Safe to repeat.
func (r *Reconciler) ApplyBulkRead(ctx context.Context, serverIDs []string) (int, error) {
	applied := 0
	for _, serverID := range serverIDs {
		n, err := r.store.MarkReadByServerID(ctx, serverID)
		if err != nil {
			r.log.Warn().Err(err).Str("server_id", serverID).Msg("Bulk read update failed")
			continue
		}
		applied += int(n)
	}
	return applied, nil
}
