package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"chat-core/internal/chat"
	"chat-core/internal/models"
)

const authzService = "chat.authz.v1.Authz"

// AuthzClient asks the remote authorization service who may see or
// moderate a chatable entity. It implements chat.Oracle.
type AuthzClient struct {
	caller
}

func NewAuthzClient(conn grpc.ClientConnInterface, timeout time.Duration) *AuthzClient {
	return &AuthzClient{caller{conn: conn, service: authzService, timeout: timeout}}
}

func chatableRequest(c models.Chatable) map[string]any {
	return map[string]any{"chatable_type": string(c.Type), "chatable_id": float64(c.ID)}
}

func (a *AuthzClient) Grants(ctx context.Context, chatable models.Chatable) (chat.Grants, error) {
	resp, err := a.call(ctx, "Grants", chatableRequest(chatable))
	if err != nil {
		return chat.Grants{}, err
	}
	return chat.Grants{UserIDs: int64List(resp, "user_ids"), GroupIDs: int64List(resp, "group_ids")}, nil
}

func (a *AuthzClient) CanModerate(ctx context.Context, userID int64, chatable models.Chatable) (bool, error) {
	req := chatableRequest(chatable)
	req["user_id"] = float64(userID)
	resp, err := a.call(ctx, "CanModerate", req)
	if err != nil {
		return false, err
	}
	return resp.GetFields()["allowed"].GetBoolValue(), nil
}
