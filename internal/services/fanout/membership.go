package fanout

import (
	"context"

	"cipherfan/internal/domain"
)

// AddMember clears any earlier removal of user from chat, refreshes the
// user's device list and eagerly establishes sessions with every device.
// It is best effort: it returns how many devices are ready and the
// failures, and never aborts on them.
func (c *Coordinator) AddMember(ctx context.Context, chat domain.ChatID, user domain.UserID) (int, []domain.DeviceFailure) {
	c.removedMu.Lock()
	delete(c.removed[chat], user)
	c.removedMu.Unlock()

	c.devices.Invalidate(user)
	op := c.begin(chat, domain.ContentTypeText, domain.Metadata{})
	defer c.progress.remove(op.id)

	ready := c.prepare(ctx, op, []domain.UserID{user})
	c.logger.Info("member added", "chat", chat, "user", user, "ready", len(ready), "failures", len(op.result.Failures))
	return len(ready), op.result.Failures
}

// RemoveMember deletes every session with the user's devices and excludes
// the user from later sends to chat until AddMember is called again. A send
// to chat already in flight cannot create a new session with the user once
// RemoveMember has returned; ciphertexts it produced from sessions deleted
// here fail to encrypt and are reported as failures.
func (c *Coordinator) RemoveMember(_ context.Context, chat domain.ChatID, user domain.UserID) (int, error) {
	c.removedMu.Lock()
	if c.removed[chat] == nil {
		c.removed[chat] = make(map[domain.UserID]struct{})
	}
	c.removed[chat][user] = struct{}{}
	n, err := c.sessions.DeleteSessionsForUser(user)
	c.removedMu.Unlock()

	c.devices.Invalidate(user)
	if err != nil {
		return n, err
	}
	c.logger.Info("member removed", "chat", chat, "user", user, "sessions_deleted", n)
	return n, nil
}

// RotateGroupKeys refreshes device lists for every member. Pairwise
// sessions need nothing more. Above the large-group threshold a configured
// GroupKeyDistributor is asked to rotate; without one the group keeps the
// pairwise fan-out.
func (c *Coordinator) RotateGroupKeys(ctx context.Context, chat domain.ChatID, members []domain.UserID) error {
	for _, u := range members {
		c.devices.Invalidate(u)
	}
	if len(members) <= c.largeGroupThreshold {
		c.logger.Debug("group rotated", "chat", chat, "members", len(members))
		return nil
	}
	if c.groupKeys == nil {
		c.logger.Warn("large group uses pairwise fan-out; no sender key distributor configured",
			"chat", chat, "members", len(members), "threshold", c.largeGroupThreshold)
		return nil
	}
	return c.groupKeys.RotateGroup(ctx, chat, members)
}
