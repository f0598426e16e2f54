package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"chat-core/internal/authz"
	"chat-core/internal/chat"
	"chat-core/internal/config"
	"chat-core/internal/db"
	grpcclient "chat-core/internal/grpc"
	"chat-core/internal/kafka"
	"chat-core/internal/middleware"
	"chat-core/internal/pubsub"
	"chat-core/internal/rabbitmq"
	"chat-core/internal/redisbus"
	"chat-core/internal/repositories"
	"chat-core/internal/repositories/memstore"
	"chat-core/internal/telemetry"
	"chat-core/internal/ws"
)

const auditRoutingKey = "audit.chat"

// app holds every long-lived dependency of the process.
type app struct {
	cfg config.Config
	log zerolog.Logger

	svc     *chat.Service
	hub     *ws.Hub
	wsOn    bool
	auth    middleware.Authenticator
	dir     chat.Directory
	auditor *telemetry.AuditEmitter

	closers []func() error
}

func buildApp(cfg config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, err := a.openStore()
	if err != nil {
		a.close()
		return nil, err
	}

	oracle, dir, err := a.openAuthz()
	if err != nil {
		a.close()
		return nil, err
	}
	a.dir = dir

	transport, err := a.openTransports()
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.GRPC.AuthAddr != "" {
		conn, err := grpcclient.Dial(cfg.GRPC.AuthAddr)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("dial auth: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		a.auth = grpcclient.NewAuthClient(conn, cfg.GRPC.Timeout)
	}

	var sink chat.DigestSink = chat.LogSink{Log: log}
	if len(cfg.Kafka.Brokers) > 0 {
		ks := kafka.NewDigestSink(cfg.Kafka.Brokers, cfg.Kafka.DigestTopic, log)
		a.closers = append(a.closers, ks.Close)
		sink = ks
	}

	auditPub := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.AuditExchange, log)
	a.closers = append(a.closers, auditPub.Close)
	a.auditor = telemetry.NewAuditEmitter(auditPub, auditRoutingKey, cfg.Tracing.ServiceName, cfg.Tracing.Environment, log)

	a.svc = chat.New(chat.Options{
		Store:     store,
		Oracle:    oracle,
		Directory: dir,
		Transport: transport,
		Fanout: chat.FanoutConfig{
			Workers:        cfg.Fanout.Workers,
			QueueSize:      cfg.Fanout.QueueSize,
			PublishTimeout: cfg.Fanout.PublishTimeout,
		},
		DigestSink: sink,
		Auditor:    a.auditor,
		Log:        log,
	})
	return a, nil
}

func (a *app) openStore() (repositories.Store, error) {
	if a.cfg.DB.Driver == "memory" {
		a.log.Warn().Msg("using the in-memory store, data is lost on exit")
		return memstore.New(), nil
	}
	conn, err := db.Connect(db.Config{
		Driver:       a.cfg.DB.Driver,
		DSN:          a.cfg.DB.DSN,
		MaxOpenConns: a.cfg.DB.MaxOpenConns,
		Migrate:      a.cfg.DB.Migrate,
	}, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, conn.Close)
	return repositories.NewSQLStore(conn), nil
}

func (a *app) openAuthz() (chat.Oracle, chat.Directory, error) {
	cfg := a.cfg

	var dir chat.Directory = authz.NewStaticDirectory()
	if cfg.GRPC.DirectoryAddr != "" {
		conn, err := grpcclient.Dial(cfg.GRPC.DirectoryAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial directory: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		dir = grpcclient.NewDirectoryClient(conn, cfg.GRPC.Timeout)
	} else {
		a.log.Warn().Msg("no directory service configured, mentions resolve to nobody")
	}

	if cfg.Authz.Backend == "grpc" {
		conn, err := grpcclient.Dial(cfg.GRPC.AuthzAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial authz: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		return grpcclient.NewAuthzClient(conn, cfg.GRPC.Timeout), dir, nil
	}
	oracle, err := authz.NewCasbinOracle(cfg.Authz.ModelPath, cfg.Authz.PolicyPath, a.log)
	if err != nil {
		return nil, nil, err
	}
	return oracle, dir, nil
}

func (a *app) openTransports() (pubsub.Publisher, error) {
	cfg := a.cfg
	a.hub = ws.NewHub(ws.HubConfig{SendBuffer: cfg.Fanout.SendBuffer, SendRate: cfg.Fanout.SendRate}, a.dir, a.log)

	var out pubsub.Multi
	for _, name := range cfg.Fanout.Transports {
		switch name {
		case "ws":
			a.wsOn = true
			out = append(out, a.hub)
		case "amqp":
			pub := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, a.log)
			a.closers = append(a.closers, pub.Close)
			out = append(out, rabbitmq.NewTransport(pub))
		case "redis":
			bus, err := redisbus.New(cfg.Redis.URL, cfg.Redis.Prefix, a.log)
			if err != nil {
				return nil, err
			}
			if err := bus.Ping(context.Background()); err != nil {
				a.log.Warn().Err(err).Msg("redis not reachable yet, publishes will be retried per event")
			}
			a.closers = append(a.closers, bus.Close)
			out = append(out, bus)
		}
	}
	a.log.Info().Str("transports", out.Name()).Msg("fan-out transports ready")
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func (a *app) allowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(a.cfg.HTTP.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			out = append(out, o)
		}
	}
	return out
}

// close drains fan-out before the transports it writes to go away.
func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
