package cohort

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/pkg/omrs"
)

// MessageType distinguishes the messages exchanged on a cohort channel.
type MessageType string

const (
	// MessageRegistration announces a member joining the cohort.
	MessageRegistration MessageType = "registration"
	// MessageReRegistration answers a registration so the newcomer learns
	// about existing members.
	MessageReRegistration MessageType = "re-registration"
	// MessageUnregistration announces a member leaving for good.
	MessageUnregistration MessageType = "unregistration"
	// MessageInstanceEvent carries a change to an instance homed by the
	// sender, or a refresh request addressed to another home.
	MessageInstanceEvent MessageType = "instance-event"
)

// Message is the unit exchanged on a cohort channel.
type Message struct {
	ID     string      `json:"id"`
	Type   MessageType `json:"type"`
	Cohort string      `json:"cohort"`
	// Sender is the metadata collection id of the publishing member.
	Sender string    `json:"sender"`
	SentAt time.Time `json:"sentAt"`

	Registration *omrs.MemberRegistration `json:"registration,omitempty"`
	Event        *subscriptions.Event     `json:"event,omitempty"`
}

func (m Message) Validate() error {
	hasRegistration := m.Type == MessageRegistration || m.Type == MessageReRegistration
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required),
		validation.Field(&m.Type, validation.Required, validation.In(
			MessageRegistration, MessageReRegistration, MessageUnregistration, MessageInstanceEvent,
		)),
		validation.Field(&m.Cohort, validation.Required),
		validation.Field(&m.Sender, validation.Required),
		validation.Field(&m.Registration,
			validation.When(hasRegistration, validation.NotNil, validation.By(func(interface{}) error {
				if m.Registration.MetadataCollectionID != m.Sender {
					return validation.NewError("validation_registration_sender", "must be the sender's registration")
				}
				return nil
			})),
		),
		validation.Field(&m.Event, validation.When(m.Type == MessageInstanceEvent, validation.NotNil)),
	)
}
