package chat

import (
	"context"

	"chat-core/internal/errs"
	"chat-core/internal/models"
	"chat-core/internal/pubsub"
)

// Grants are the users and groups an authorization backend lets see an entity.
type Grants struct {
	UserIDs  []int64
	GroupIDs []int64
}

// Oracle answers visibility and moderation questions about chatable entities.
type Oracle interface {
	Grants(ctx context.Context, chatable models.Chatable) (Grants, error)
	CanModerate(ctx context.Context, userID int64, chatable models.Chatable) (bool, error)
}

// Directory is the identity system: usernames, group names and membership.
type Directory interface {
	GroupsOf(ctx context.Context, userID int64) ([]int64, error)
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
	// Lookup resolves lower-cased names to users and groups. Unknown names are omitted.
	Lookup(ctx context.Context, names []string) (users map[string]int64, groups map[string]int64, err error)
}

// PermissionResolver computes the audience of a channel. Results are never
// cached; every call asks the oracle again.
type PermissionResolver struct {
	oracle    Oracle
	directory Directory
}

func NewPermissionResolver(oracle Oracle, directory Directory) *PermissionResolver {
	return &PermissionResolver{oracle: oracle, directory: directory}
}

// AudienceFor returns who may receive events of ch right now. Direct message
// channels answer from their participant set alone.
func (p *PermissionResolver) AudienceFor(ctx context.Context, ch models.Channel) (pubsub.Audience, error) {
	if ch.IsDirectMessage() {
		return pubsub.Audience{UserIDs: ch.Participants}.Normalize(), nil
	}
	grants, err := p.oracle.Grants(ctx, ch.Chatable)
	if err != nil {
		return pubsub.Audience{}, errs.Wrap(errs.KindUnknown, "permissions.AudienceFor", err)
	}
	return pubsub.Audience{UserIDs: grants.UserIDs, GroupIDs: grants.GroupIDs}.Normalize(), nil
}

// Contains reports whether userID is addressed by audience, directly or through a group.
func (p *PermissionResolver) Contains(ctx context.Context, audience pubsub.Audience, userID int64) (bool, error) {
	if audience.Allows(userID, nil) {
		return true, nil
	}
	if len(audience.GroupIDs) == 0 {
		return false, nil
	}
	groups, err := p.directory.GroupsOf(ctx, userID)
	if err != nil {
		return false, errs.Wrap(errs.KindUnknown, "permissions.Contains", err)
	}
	return audience.Allows(userID, groups), nil
}

// CanSee resolves the audience of ch and checks userID against it.
func (p *PermissionResolver) CanSee(ctx context.Context, ch models.Channel, userID int64) (bool, error) {
	audience, err := p.AudienceFor(ctx, ch)
	if err != nil {
		return false, err
	}
	return p.Contains(ctx, audience, userID)
}

// CanModerate reports whether userID may delete, restore or purge other
// users' messages in ch. Direct message channels have no moderators.
func (p *PermissionResolver) CanModerate(ctx context.Context, ch models.Channel, userID int64) (bool, error) {
	if ch.IsDirectMessage() {
		return false, nil
	}
	ok, err := p.oracle.CanModerate(ctx, userID, ch.Chatable)
	if err != nil {
		return false, errs.Wrap(errs.KindUnknown, "permissions.CanModerate", err)
	}
	return ok, nil
}
