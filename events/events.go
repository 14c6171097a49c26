// Package events defines the integration events raised by the identity service
// and registers their decoders with the outbox.
package events

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/idmesh/outbox"
)

// Event tags. They are persisted with every record and must never change.
const (
	TagUserRegistered   = "identity.user_registered"
	TagUserRoleAssigned = "identity.user_role_assigned"
	TagUserRoleRevoked  = "identity.user_role_revoked"
	TagMFAEnabled       = "identity.mfa_enabled"
	TagMFADisabled      = "identity.mfa_disabled"
	TagPasswordChanged  = "identity.password_changed"
)

// Default topics.
const (
	TopicUserRegistered = "user-registered"
	TopicUserRoles      = "user-roles"
	TopicUserSecurity   = "user-security"
)

// Validation errors returned by the events' Validate methods.
var (
	// ErrUserIDRequired is returned when an event has no user ID.
	ErrUserIDRequired = errors.New("user_id is required")
	// ErrInvalidEmail is returned when a registration carries no usable email address.
	ErrInvalidEmail = errors.New("email is invalid")
	// ErrRoleRequired is returned when a role change names no role.
	ErrRoleRequired = errors.New("role is required")
	// ErrMethodRequired is returned when an MFA enablement names no method.
	ErrMethodRequired = errors.New("method is required")
)

// Event is an integration event that can be appended to the outbox.
// The event types below implement it with value receivers.
type Event interface {
	// Tag is the stable name the event is stored and decoded under.
	Tag() string
	// Topic is the default broker topic of the event.
	Topic() string
	// Validate reports whether the event can be published.
	Validate() error
}

// UserRegistered is raised when a new account is created.
type UserRegistered struct {
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	UserName string    `json:"user_name,omitempty"`
}

func (UserRegistered) Tag() string   { return TagUserRegistered }
func (UserRegistered) Topic() string { return TopicUserRegistered }

// Validate reports whether the event can be published.
func (e UserRegistered) Validate() error {
	if e.UserID == uuid.Nil {
		return ErrUserIDRequired
	}
	if !strings.Contains(e.Email, "@") {
		return ErrInvalidEmail
	}
	return nil
}

// UserRoleAssigned is raised when a role is granted to a user.
type UserRoleAssigned struct {
	UserID     uuid.UUID `json:"user_id"`
	Role       string    `json:"role"`
	AssignedBy uuid.UUID `json:"assigned_by"`
}

func (UserRoleAssigned) Tag() string   { return TagUserRoleAssigned }
func (UserRoleAssigned) Topic() string { return TopicUserRoles }

// Validate reports whether the event can be published.
func (e UserRoleAssigned) Validate() error {
	return validateRoleChange(e.UserID, e.Role)
}

// UserRoleRevoked is raised when a role is taken away from a user.
type UserRoleRevoked struct {
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	RevokedBy uuid.UUID `json:"revoked_by"`
}

func (UserRoleRevoked) Tag() string   { return TagUserRoleRevoked }
func (UserRoleRevoked) Topic() string { return TopicUserRoles }

// Validate reports whether the event can be published.
func (e UserRoleRevoked) Validate() error {
	return validateRoleChange(e.UserID, e.Role)
}

func validateRoleChange(userID uuid.UUID, role string) error {
	if userID == uuid.Nil {
		return ErrUserIDRequired
	}
	if strings.TrimSpace(role) == "" {
		return ErrRoleRequired
	}
	return nil
}

// MFAEnabled is raised once a second factor has been verified and activated.
type MFAEnabled struct {
	UserID uuid.UUID `json:"user_id"`
	Method string    `json:"method"`
}

func (MFAEnabled) Tag() string   { return TagMFAEnabled }
func (MFAEnabled) Topic() string { return TopicUserSecurity }

// Validate reports whether the event can be published.
func (e MFAEnabled) Validate() error {
	if e.UserID == uuid.Nil {
		return ErrUserIDRequired
	}
	if e.Method == "" {
		return ErrMethodRequired
	}
	return nil
}

// MFADisabled is raised when a user turns their second factor off.
type MFADisabled struct {
	UserID uuid.UUID `json:"user_id"`
}

func (MFADisabled) Tag() string   { return TagMFADisabled }
func (MFADisabled) Topic() string { return TopicUserSecurity }

// Validate reports whether the event can be published.
func (e MFADisabled) Validate() error {
	if e.UserID == uuid.Nil {
		return ErrUserIDRequired
	}
	return nil
}

// PasswordChanged is raised on a password change or reset.
// It never carries the password or its hash.
type PasswordChanged struct {
	UserID uuid.UUID `json:"user_id"`
	Reset  bool      `json:"reset"`
}

func (PasswordChanged) Tag() string   { return TagPasswordChanged }
func (PasswordChanged) Topic() string { return TopicUserSecurity }

// Validate reports whether the event can be published.
func (e PasswordChanged) Validate() error {
	if e.UserID == uuid.Nil {
		return ErrUserIDRequired
	}
	return nil
}

// Register adds the decoders of every identity event to reg.
func Register(reg *outbox.Registry) {
	outbox.RegisterJSON[UserRegistered](reg, TagUserRegistered)
	outbox.RegisterJSON[UserRoleAssigned](reg, TagUserRoleAssigned)
	outbox.RegisterJSON[UserRoleRevoked](reg, TagUserRoleRevoked)
	outbox.RegisterJSON[MFAEnabled](reg, TagMFAEnabled)
	outbox.RegisterJSON[MFADisabled](reg, TagMFADisabled)
	outbox.RegisterJSON[PasswordChanged](reg, TagPasswordChanged)
}

// NewRegistry returns a registry holding the decoders of every identity event.
func NewRegistry() *outbox.Registry {
	reg := outbox.NewRegistry()
	Register(reg)
	return reg
}

// NewRecord validates e and serializes it into an outbox record for its default topic.
func NewRecord(e Event, opts ...outbox.RecordOption) (*outbox.Record, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", e.Tag(), err)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s event: %w", e.Tag(), err)
	}

	return outbox.NewRecord(e.Tag(), e.Topic(), payload, opts...), nil
}
