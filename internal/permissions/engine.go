package permissions

import (
	"context"
	"fmt"

	"messaging-service/internal/models"
)

// Decision is the outcome of the role policy for a sender/recipient pair.
type Decision int

const (
	// Deny means the pair may never message each other.
	Deny Decision = iota
	// Allow means the pair may always message each other.
	Allow
	// AllowIfLinked means the pair may message each other only when an
	// external family relationship links them (student and parent).
	AllowIfLinked
)

// Check maps a (sender role, recipient role) pair to a policy decision. It is
// pure and total over the four roles, so it can run on the hot path without
// touching network or storage. Unknown roles are denied.
func Check(sender, recipient models.Role) Decision {
	if !sender.Valid() || !recipient.Valid() {
		return Deny
	}

	switch sender {
	case models.RoleAdmin, models.RoleTeacher:
		return Allow
	case models.RoleStudent:
		switch recipient {
		case models.RoleTeacher, models.RoleAdmin:
			return Allow
		case models.RoleParent:
			return AllowIfLinked
		}
		return Deny
	case models.RoleParent:
		switch recipient {
		case models.RoleTeacher, models.RoleAdmin:
			return Allow
		case models.RoleStudent:
			return AllowIfLinked
		}
		return Deny
	}
	return Deny
}

// CanMessage reports whether the sender role may unconditionally message the
// recipient role.
func CanMessage(sender, recipient models.Role) bool {
	return Check(sender, recipient) == Allow
}

// FamilyLinkResolver answers whether two users belong to the same family. The
// relationship lives in the platform's directory service, outside this core.
type FamilyLinkResolver interface {
	Linked(ctx context.Context, userA, userB string) (bool, error)
}

// Engine resolves the full policy, including pairs that depend on an external
// family link.
type Engine struct {
	links FamilyLinkResolver
}

// NewEngine builds an Engine. The resolver may be nil, in which case linked
// pairs are denied.
func NewEngine(links FamilyLinkResolver) *Engine {
	return &Engine{links: links}
}

// Allowed applies the role policy for a concrete sender and recipient.
func (e *Engine) Allowed(ctx context.Context, senderID string, senderRole models.Role, recipientID string, recipientRole models.Role) (bool, error) {
	switch Check(senderRole, recipientRole) {
	case Allow:
		return true, nil
	case AllowIfLinked:
		if e.links == nil {
			return false, nil
		}
		linked, err := e.links.Linked(ctx, senderID, recipientID)
		if err != nil {
			return false, fmt.Errorf("resolve family link: %w", err)
		}
		return linked, nil
	}
	return false, nil
}
