package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"chat-core/internal/models"
)

type handlerFunc func(req *structpb.Struct) (map[string]any, error)

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unary(fn handlerFunc) methodHandler {
	return func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		out, err := fn(in)
		if err != nil {
			return nil, err
		}
		return structpb.NewStruct(out)
	}
}

func register(srv *grpc.Server, service string, methods map[string]handlerFunc) {
	desc := grpc.ServiceDesc{ServiceName: service, HandlerType: (*any)(nil)}
	for name, fn := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unary(fn)})
	}
	srv.RegisterService(&desc, nil)
}

func newTestConn(t *testing.T, setup func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	setup(srv)
	go func() { _ = srv.Serve(lis) }()

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
	})
	return conn
}

func TestAuthClientValidateToken(t *testing.T) {
	conn := newTestConn(t, func(srv *grpc.Server) {
		register(srv, authService, map[string]handlerFunc{
			"ValidateToken": func(req *structpb.Struct) (map[string]any, error) {
				if req.GetFields()["token"].GetStringValue() == "good" {
					return map[string]any{"valid": true, "user_id": 42}, nil
				}
				return map[string]any{"valid": false}, nil
			},
		})
	})
	client := NewAuthClient(conn, time.Second)

	id, err := client.ValidateToken(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = client.ValidateToken(context.Background(), "bad")
	assert.Error(t, err)
}

func TestAuthzClient(t *testing.T) {
	conn := newTestConn(t, func(srv *grpc.Server) {
		register(srv, authzService, map[string]handlerFunc{
			"Grants": func(req *structpb.Struct) (map[string]any, error) {
				assert.Equal(t, "category", req.GetFields()["chatable_type"].GetStringValue())
				return map[string]any{"user_ids": []any{1, 2}, "group_ids": []any{10}}, nil
			},
			"CanModerate": func(req *structpb.Struct) (map[string]any, error) {
				return map[string]any{"allowed": req.GetFields()["user_id"].GetNumberValue() == 1}, nil
			},
		})
	})
	client := NewAuthzClient(conn, time.Second)
	category := models.Chatable{Type: models.ChatableCategory, ID: 5}

	grants, err := client.Grants(context.Background(), category)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, grants.UserIDs)
	assert.Equal(t, []int64{10}, grants.GroupIDs)

	ok, err := client.CanModerate(context.Background(), 1, category)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.CanModerate(context.Background(), 2, category)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectoryClient(t *testing.T) {
	conn := newTestConn(t, func(srv *grpc.Server) {
		register(srv, directoryService, map[string]handlerFunc{
			"GroupsOf": func(*structpb.Struct) (map[string]any, error) {
				return map[string]any{"group_ids": []any{10, 11}}, nil
			},
			"MembersOf": func(*structpb.Struct) (map[string]any, error) {
				return map[string]any{}, nil
			},
			"Lookup": func(req *structpb.Struct) (map[string]any, error) {
				assert.Len(t, req.GetFields()["names"].GetListValue().GetValues(), 2)
				return map[string]any{
					"users":  map[string]any{"alice": 1},
					"groups": map[string]any{"staff": 10},
				}, nil
			},
		})
	})
	client := NewDirectoryClient(conn, time.Second)
	ctx := context.Background()

	groups, err := client.GroupsOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, groups)

	members, err := client.MembersOf(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, members)

	users, named, err := client.Lookup(ctx, []string{"alice", "staff"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"alice": 1}, users)
	assert.Equal(t, map[string]int64{"staff": 10}, named)
}
