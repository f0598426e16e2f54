package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

const directoryService = "chat.identity.v1.Directory"

// DirectoryClient wraps the user directory. It implements chat.Directory.
type DirectoryClient struct {
	caller
}

func NewDirectoryClient(conn grpc.ClientConnInterface, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{caller{conn: conn, service: directoryService, timeout: timeout}}
}

// GroupsOf lists the groups userID belongs to.
func (d *DirectoryClient) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	resp, err := d.call(ctx, "GroupsOf", map[string]any{"user_id": float64(userID)})
	if err != nil {
		return nil, err
	}
	return int64List(resp, "group_ids"), nil
}

// MembersOf lists the current members of a group.
func (d *DirectoryClient) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	resp, err := d.call(ctx, "MembersOf", map[string]any{"group_id": float64(groupID)})
	if err != nil {
		return nil, err
	}
	return int64List(resp, "user_ids"), nil
}

// Lookup resolves usernames and group names in one round trip.
func (d *DirectoryClient) Lookup(ctx context.Context, names []string) (map[string]int64, map[string]int64, error) {
	resp, err := d.call(ctx, "Lookup", map[string]any{"names": anyList(names)})
	if err != nil {
		return nil, nil, err
	}
	return int64Map(resp, "users"), int64Map(resp, "groups"), nil
}
