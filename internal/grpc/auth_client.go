package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
)

const authService = "chat.identity.v1.Auth"

// AuthClient wraps the auth-service gRPC client.
type AuthClient struct {
	caller
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface, timeout time.Duration) *AuthClient {
	return &AuthClient{caller{conn: conn, service: authService, timeout: timeout}}
}

// ValidateToken verifies the JWT and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (int64, error) {
	resp, err := a.call(ctx, "ValidateToken", map[string]any{"token": token})
	if err != nil {
		return 0, err
	}
	userID := int64Field(resp, "user_id")
	if !resp.GetFields()["valid"].GetBoolValue() || userID == 0 {
		return 0, errors.New("invalid token")
	}
	return userID, nil
}
