// Package app assembles the webhook service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"dm-responder/internal/audit"
	"dm-responder/internal/config"
	"dm-responder/internal/delivery"
	"dm-responder/internal/handover"
	"dm-responder/internal/integrations/httpclient"
	"dm-responder/internal/integrations/instagram"
	"dm-responder/internal/integrations/openai"
	"dm-responder/internal/integrations/paramstore"
	"dm-responder/internal/normalize"
	"dm-responder/internal/reply"
	"dm-responder/internal/repository"
	"dm-responder/internal/session"
	"dm-responder/internal/state"
	"dm-responder/internal/usecase"
)

const (
	redisKeyPrefix = "dm-responder:"
	sweepInterval  = time.Minute
)

// Registry is the relational store behind accounts, tokens, prompts and the
// message log.
type Registry interface {
	usecase.AccountRegistry
	audit.Sink
}

// Components are the collaborators Wire needs. Nil LLM means every reply uses
// the fallback.
type Components struct {
	State     state.Store
	Registry  Registry
	LLM       reply.LLMClient
	Messenger delivery.Messenger
	Params    paramstore.Getter
}

type App struct {
	Service *usecase.WebhookService

	memory  *state.MemoryStore
	closers []func()
}

// Build connects to every external system named by cfg and wires the service.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{}
	var comps Components

	if cfg.UsesParamStore() || cfg.State.Backend == config.BackendDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load aws config: %w", err)
		}
		if cfg.UsesParamStore() {
			params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			comps.Params = params
		}
		if cfg.State.Backend == config.BackendDynamoDB {
			store, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.State.Table)
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			comps.State = store
		}
	}

	switch cfg.State.Backend {
	case config.BackendRedis:
		client, err := repository.NewRedisClient(ctx, cfg.State.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := repository.NewRedisStore(client, redisKeyPrefix)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		comps.State = store
	case config.BackendMemory:
		a.memory = state.NewMemoryStore(time.Now)
		comps.State = a.memory
	}

	pool, err := repository.NewPool(ctx, repository.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	registry, err := repository.NewRegistry(pool)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	comps.Registry = registry

	llm, err := newLLM(cfg, comps.Params)
	if err != nil {
		a.Close()
		return nil, err
	}
	if llm != nil {
		comps.LLM = llm
	}

	comps.Messenger = instagram.NewClient(cfg.Meta.PageID,
		instagram.WithBaseURL(cfg.Graph.BaseURL),
		instagram.WithAPIVersion(cfg.Graph.APIVersion),
		instagram.WithHTTPClient(httpclient.New(0, 0)),
	)

	svc, err := Wire(ctx, cfg, comps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc
	return a, nil
}

func newLLM(cfg config.Config, params paramstore.Getter) (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithHTTPClient(httpclient.New(0, 0)),
	}
	switch {
	case cfg.OpenAI.APIKey != "":
		opts = append(opts, openai.WithAPIKey(cfg.OpenAI.APIKey))
	case params != nil:
		opts = append(opts, openai.WithParamStore(params, cfg.ParamPrefix))
	default:
		slog.Warn("no reply backend credential configured, replies use the fallback")
		return nil, nil
	}
	client, err := openai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return client, nil
}

// Wire builds the webhook service on top of already constructed
// collaborators.
func Wire(ctx context.Context, cfg config.Config, c Components) (*usecase.WebhookService, error) {
	if c.State == nil {
		return nil, errors.New("app: state store must not be nil")
	}
	if c.Registry == nil {
		return nil, errors.New("app: registry must not be nil")
	}
	if c.Messenger == nil {
		return nil, errors.New("app: messenger must not be nil")
	}

	verifyToken, appSecret := cfg.Meta.VerifyToken, cfg.Meta.AppSecret
	if c.Params != nil && cfg.UsesParamStore() && (verifyToken == "" || appSecret == "") {
		secrets, err := paramstore.LoadSecrets(ctx, c.Params, cfg.ParamPrefix, paramstore.Secrets{
			VerifyToken: verifyToken,
			AppSecret:   appSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load webhook secrets: %w", err)
		}
		verifyToken, appSecret = secrets.VerifyToken, secrets.AppSecret
	}
	if appSecret == "" {
		slog.Warn("no app secret configured, webhook signatures are not verified")
	}

	sessions, err := session.New(c.State, session.Options{
		MaxTurns: cfg.Session.MaxTurns,
		IdleTTL:  cfg.Session.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	arbiter, err := handover.New(c.State, handover.Options{
		TTL:        cfg.Handover.TTL,
		InboxAppID: cfg.Handover.InboxAppID,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	policy := delivery.PolicyAutoTakeover
	if cfg.Handover.RespectHuman {
		policy = delivery.PolicyRespectHuman
	}
	engine, err := delivery.New(c.Messenger, arbiter, delivery.Options{Policy: policy})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	logger, err := audit.New(c.Registry, audit.Options{})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	generator := reply.NewGenerator(c.LLM, reply.Options{
		Model:         cfg.OpenAI.Model,
		Temperature:   cfg.OpenAI.Temperature,
		MaxTokens:     cfg.OpenAI.MaxTokens,
		HistoryWindow: cfg.Session.HistoryWindow,
	})

	processor, err := usecase.NewProcessor(usecase.ProcessorDeps{
		Registry:  c.Registry,
		Sessions:  sessions,
		Arbiter:   arbiter,
		Generator: generator,
		Delivery:  engine,
		Audit:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	svc, err := usecase.NewWebhookService(&normalize.Normalizer{}, arbiter, processor, usecase.WebhookConfig{
		VerifyToken: verifyToken,
		AppSecret:   appSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	slog.Info("webhook service ready",
		"state_backend", cfg.State.Backend,
		"policy", policy,
		"signature_check", appSecret != "",
		"llm", c.LLM != nil)
	return svc, nil
}

// Sweep periodically drops expired entries from the in-memory store until ctx
// is done. It is a no-op for external backends.
func (a *App) Sweep(ctx context.Context) {
	if a.memory == nil {
		return
	}
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.memory.Sweep(); n > 0 {
				slog.Debug("expired state swept", "entries", n)
			}
		}
	}
}

// Close releases database and cache connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
