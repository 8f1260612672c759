package cohort

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

// HandleEvent queues a repository event for the cohorts. Only changes to
// instances homed or replicated by this member, and refresh requests
// addressed to other homes, leave the member. When the outbox is full it
// waits for the relay to catch up.
func (m *Manager) HandleEvent(e subscriptions.Event) {
	if !m.outbound(e) {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.sending.Add(1)
	m.mu.Unlock()
	defer m.sending.Done()

	select {
	case m.outbox <- e:
		return
	default:
	}
	m.logger.Warn("cohort outbox full, waiting for the relay", "event", e.Type, "guid", e.GUID())
	select {
	case m.outbox <- e:
	case <-m.stopping:
		m.logger.Warn("cohort manager closed before start, dropping event", "event", e.Type, "guid", e.GUID())
	}
}

func (m *Manager) outbound(e subscriptions.Event) bool {
	localID := m.local.MetadataCollectionID
	switch e.Type {
	case subscriptions.EventEntityCopySaved, subscriptions.EventEntityCopyDeleted, subscriptions.EventEntityCopyPurged,
		subscriptions.EventRelationshipCopySaved, subscriptions.EventRelationshipCopyDeleted, subscriptions.EventRelationshipCopyPurged,
		subscriptions.EventClassificationCopySaved, subscriptions.EventClassificationCopyPurged:
		return false
	case subscriptions.EventEntityRefreshRequested, subscriptions.EventRelationshipRefreshRequested:
		return e.TargetHome != "" && e.TargetHome != localID
	}
	h := e.Header()
	return h != nil && (h.MetadataCollectionID == localID || h.ReplicatedBy == localID)
}

func (m *Manager) relay() {
	defer close(m.relayDone)
	for e := range m.outbox {
		m.broadcast(e)
	}
}

type connected struct {
	name    string
	channel Channel
}

func (m *Manager) broadcast(e subscriptions.Event) {
	m.mu.Lock()
	var targets []connected
	for name, c := range m.cohorts {
		if c.status == omrs.CohortConnected && c.channel != nil {
			targets = append(targets, connected{name: name, channel: c.channel})
		}
	}
	m.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	for _, t := range targets {
		m.send(t.name, t.channel, e)
	}
}

func (m *Manager) send(cohort string, ch Channel, e subscriptions.Event) {
	msg := m.message(cohort, MessageInstanceEvent)
	msg.Event = &e
	if err := ch.Publish(m.ctx, msg); err != nil {
		m.logger.Warn("event not published", "cohort", cohort, "event", e.Type, "guid", e.GUID(), "error", err)
		return
	}
	m.logger.Trace("event published", "cohort", cohort, "event", e.Type, "guid", e.GUID())
}

// apply turns an event published by a peer into reference copy
// operations on the local repository.
func (m *Manager) apply(c *membership, sender string, e subscriptions.Event) {
	ctx := m.ctx
	name := c.cfg.Name

	switch e.Type {
	case subscriptions.EventEntityRefreshRequested, subscriptions.EventRelationshipRefreshRequested:
		m.answerRefresh(c, sender, e)
		return
	}

	h := e.Header()
	if h == nil {
		m.logger.Warn("dropping event without an instance", "cohort", name, "sender", sender, "event", e.Type)
		return
	}
	if h.MetadataCollectionID != sender && h.ReplicatedBy != sender {
		m.logger.Warn("dropping event for an instance the sender does not own",
			"cohort", name, "sender", sender, "guid", h.GUID, "home", h.MetadataCollectionID)
		return
	}

	var err error
	if e.Entity != nil {
		err = m.applyEntity(ctx, e)
	} else {
		err = m.applyRelationship(ctx, e)
	}
	if err != nil {
		m.logger.Warn("failed to apply peer event", "cohort", name, "sender", sender,
			"event", e.Type, "guid", h.GUID, "kind", omrs.KindOf(err), "error", err)
		return
	}
	m.logger.Debug("applied peer event", "cohort", name, "sender", sender, "event", e.Type, "guid", h.GUID)
}

func (m *Manager) applyEntity(ctx context.Context, e subscriptions.Event) error {
	entity := e.Entity
	switch e.Type {
	case subscriptions.EventEntityDeleted:
		return m.replicator.DeleteEntityReferenceCopy(ctx, m.userID, entity)
	case subscriptions.EventEntityPurged:
		return m.replicator.PurgeEntityReferenceCopy(ctx, m.userID, copyRequest(&entity.InstanceHeader, "", ""))
	case subscriptions.EventEntityReIdentified, subscriptions.EventEntityReHomed:
		if old := copyRequest(&entity.InstanceHeader, e.OriginalGUID, e.OriginalHome); old.GUID != entity.GUID || old.HomeMetadataCollectionID != entity.MetadataCollectionID {
			if err := m.replicator.PurgeEntityReferenceCopy(ctx, m.userID, old); err != nil {
				return err
			}
		}
	}
	return m.replicator.SaveEntityReferenceCopy(ctx, m.userID, entity)
}

func (m *Manager) applyRelationship(ctx context.Context, e subscriptions.Event) error {
	rel := e.Relationship
	switch e.Type {
	case subscriptions.EventRelationshipDeleted:
		return m.replicator.DeleteRelationshipReferenceCopy(ctx, m.userID, rel)
	case subscriptions.EventRelationshipPurged:
		return m.replicator.PurgeRelationshipReferenceCopy(ctx, m.userID, copyRequest(&rel.InstanceHeader, "", ""))
	case subscriptions.EventRelationshipReIdentified, subscriptions.EventRelationshipReHomed:
		if old := copyRequest(&rel.InstanceHeader, e.OriginalGUID, e.OriginalHome); old.GUID != rel.GUID || old.HomeMetadataCollectionID != rel.MetadataCollectionID {
			if err := m.replicator.PurgeRelationshipReferenceCopy(ctx, m.userID, old); err != nil {
				return err
			}
		}
	}
	return m.replicator.SaveRelationshipReferenceCopy(ctx, m.userID, rel)
}

// copyRequest addresses the local copy of h. A non-empty guid or home
// replaces the header's, for copies stored under a prior identity.
func copyRequest(h *omrs.InstanceHeader, guid, home string) omrs.ReferenceCopyRequest {
	req := omrs.ReferenceCopyRequest{
		GUID:                     h.GUID,
		TypeDefGUID:              h.Type.TypeDefGUID,
		TypeDefName:              h.Type.TypeDefName,
		HomeMetadataCollectionID: h.MetadataCollectionID,
	}
	if guid != "" {
		req.GUID = guid
	}
	if home != "" {
		req.HomeMetadataCollectionID = home
	}
	return req
}

// answerRefresh publishes the current version of a locally homed instance
// in reply to a peer's refresh request.
func (m *Manager) answerRefresh(c *membership, sender string, e subscriptions.Event) {
	if e.TargetHome != m.local.MetadataCollectionID {
		return
	}
	name := c.cfg.Name

	reply := subscriptions.Event{
		ID:        uuid.New().String(),
		Timestamp: omrs.Now(),
		Meta:      map[string]interface{}{"requestedBy": sender},
	}
	switch e.Type {
	case subscriptions.EventEntityRefreshRequested:
		entity, err := m.replicator.GetEntityDetail(m.ctx, m.userID, e.TargetGUID)
		if err != nil {
			m.logger.Debug("cannot answer refresh", "cohort", name, "guid", e.TargetGUID, "kind", omrs.KindOf(err))
			return
		}
		reply.Type = subscriptions.EventEntityRefreshed
		reply.Entity = entity
	default:
		rel, err := m.replicator.GetRelationship(m.ctx, m.userID, e.TargetGUID)
		if err != nil {
			m.logger.Debug("cannot answer refresh", "cohort", name, "guid", e.TargetGUID, "kind", omrs.KindOf(err))
			return
		}
		reply.Type = subscriptions.EventRelationshipRefreshed
		reply.Relationship = rel
	}
	if h := reply.Header(); h.MetadataCollectionID != m.local.MetadataCollectionID {
		return
	}

	m.mu.Lock()
	ch := c.channel
	m.mu.Unlock()
	if ch == nil {
		return
	}
	m.send(name, ch, reply)
}
