package subscriptions

import (
	"time"

	"github.com/systemshift/omrs/pkg/omrs"
)

// Event represents a committed change to an instance stored by this
// repository, or a request addressed to the home of one.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // entity.created, relationship.deleted, entity.refresh_requested, ...
	Timestamp time.Time `json:"timestamp"`

	// Instance event fields. Entity is set for entity and classification
	// events, Relationship for relationship events.
	Entity         *omrs.EntityDetail   `json:"entity,omitempty"`
	Relationship   *omrs.Relationship   `json:"relationship,omitempty"`
	Classification *omrs.Classification `json:"classification,omitempty"`

	// Prior identity for re-identify, re-type and re-home events
	OriginalGUID string            `json:"originalGUID,omitempty"`
	OriginalType *omrs.TypeDefLink `json:"originalType,omitempty"`
	OriginalHome string            `json:"originalHome,omitempty"`

	// Refresh request fields
	TargetGUID     string `json:"targetGUID,omitempty"`
	TargetTypeGUID string `json:"targetTypeGUID,omitempty"`
	TargetHome     string `json:"targetHome,omitempty"`

	// Context
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Header returns the header of the instance the event carries, or nil.
func (e Event) Header() *omrs.InstanceHeader {
	switch {
	case e.Entity != nil:
		return &e.Entity.InstanceHeader
	case e.Relationship != nil:
		return &e.Relationship.InstanceHeader
	}
	return nil
}

// HomeID is the home metadata collection of the instance the event is
// about.
func (e Event) HomeID() string {
	if h := e.Header(); h != nil {
		return h.MetadataCollectionID
	}
	return e.TargetHome
}

// GUID is the guid of the instance the event is about.
func (e Event) GUID() string {
	if h := e.Header(); h != nil {
		return h.GUID
	}
	return e.TargetGUID
}

// Event type constants
const (
	EventEntityCreated          = "entity.created"
	EventEntityUpdated          = "entity.updated"
	EventEntityUndone           = "entity.undone"
	EventEntityDeleted          = "entity.deleted"
	EventEntityPurged           = "entity.purged"
	EventEntityRestored         = "entity.restored"
	EventEntityReIdentified     = "entity.reidentified"
	EventEntityReTyped          = "entity.retyped"
	EventEntityReHomed          = "entity.rehomed"
	EventEntityRefreshed        = "entity.refreshed"
	EventEntityRefreshRequested = "entity.refresh_requested"

	EventEntityClassified   = "classification.added"
	EventEntityDeclassified = "classification.removed"
	EventEntityReclassified = "classification.updated"

	EventRelationshipCreated          = "relationship.created"
	EventRelationshipUpdated          = "relationship.updated"
	EventRelationshipUndone           = "relationship.undone"
	EventRelationshipDeleted          = "relationship.deleted"
	EventRelationshipPurged           = "relationship.purged"
	EventRelationshipRestored         = "relationship.restored"
	EventRelationshipReIdentified     = "relationship.reidentified"
	EventRelationshipReTyped          = "relationship.retyped"
	EventRelationshipReHomed          = "relationship.rehomed"
	EventRelationshipRefreshed        = "relationship.refreshed"
	EventRelationshipRefreshRequested = "relationship.refresh_requested"

	// Changes to local reference copies
	EventEntityCopySaved          = "entity.copy_saved"
	EventEntityCopyDeleted        = "entity.copy_deleted"
	EventEntityCopyPurged         = "entity.copy_purged"
	EventRelationshipCopySaved    = "relationship.copy_saved"
	EventRelationshipCopyDeleted  = "relationship.copy_deleted"
	EventRelationshipCopyPurged   = "relationship.copy_purged"
	EventClassificationCopySaved  = "classification.copy_saved"
	EventClassificationCopyPurged = "classification.copy_purged"
)

// SubscriptionPattern defines what events a subscription matches
type SubscriptionPattern struct {
	EventTypes []string               `json:"event_types,omitempty"` // Match event types; "entity.*" matches a prefix
	TypeNames  []string               `json:"type_names,omitempty"`  // Match instance types, including subtypes
	HomeIDs    []string               `json:"home_ids,omitempty"`    // Match home metadata collections
	MetaMatch  map[string]interface{} `json:"meta_match,omitempty"`  // Match metadata fields
}

// Subscription represents a standing interest in instance events
type Subscription struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// What to match
	Pattern SubscriptionPattern `json:"pattern"`

	// How to notify
	Webhook string `json:"webhook"`

	// State
	Enabled   bool       `json:"enabled"`
	Created   time.Time  `json:"created"`
	Modified  time.Time  `json:"modified"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	FireCount int        `json:"fire_count"`
}

// Notification is sent when a subscription pattern matches
type Notification struct {
	SubscriptionID   string    `json:"subscription_id"`
	SubscriptionName string    `json:"subscription_name"`
	Event            Event     `json:"event"`
	MatchedAt        time.Time `json:"matched_at"`
}

// CreateSubscriptionRequest is the API request to create a subscription
type CreateSubscriptionRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Pattern     SubscriptionPattern `json:"pattern"`
	Webhook     string              `json:"webhook"`
}

// UpdateSubscriptionRequest is the API request to update a subscription
type UpdateSubscriptionRequest struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	Pattern     *SubscriptionPattern `json:"pattern,omitempty"`
	Webhook     *string              `json:"webhook,omitempty"`
	Enabled     *bool                `json:"enabled,omitempty"`
}

// SubscriptionResponse is the API response for subscription operations
type SubscriptionResponse struct {
	Subscription *Subscription `json:"subscription,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ListSubscriptionsResponse is the API response for listing subscriptions
type ListSubscriptionsResponse struct {
	Subscriptions []*Subscription `json:"subscriptions"`
	Count         int             `json:"count"`
}
