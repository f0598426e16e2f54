package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-core/internal/chat"
	"chat-core/internal/models"
	"chat-core/internal/pubsub"
)

type OracleMock struct {
	mock.Mock
}

func (m *OracleMock) Grants(ctx context.Context, chatable models.Chatable) (chat.Grants, error) {
	args := m.Called(ctx, chatable)
	var grants chat.Grants
	if val := args.Get(0); val != nil {
		grants = val.(chat.Grants)
	}
	return grants, args.Error(1)
}

func (m *OracleMock) CanModerate(ctx context.Context, userID int64, chatable models.Chatable) (bool, error) {
	args := m.Called(ctx, userID, chatable)
	return args.Bool(0), args.Error(1)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *DirectoryMock) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	args := m.Called(ctx, groupID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *DirectoryMock) Lookup(ctx context.Context, names []string) (map[string]int64, map[string]int64, error) {
	args := m.Called(ctx, names)
	var users, groups map[string]int64
	if val := args.Get(0); val != nil {
		users = val.(map[string]int64)
	}
	if val := args.Get(1); val != nil {
		groups = val.(map[string]int64)
	}
	return users, groups, args.Error(2)
}

type DigestSinkMock struct {
	mock.Mock
}

func (m *DigestSinkMock) Deliver(ctx context.Context, digest chat.Digest) error {
	args := m.Called(ctx, digest)
	return args.Error(0)
}

type AuditorMock struct {
	mock.Mock
}

func (m *AuditorMock) Audit(ctx context.Context, ev chat.AuditEvent) {
	m.Called(ctx, ev)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, env pubsub.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *PublisherMock) Name() string {
	return "mock"
}
