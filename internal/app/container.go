package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/campaign-dialer/internal/api/handlers"
	"github.com/acme/campaign-dialer/internal/bus"
	"github.com/acme/campaign-dialer/internal/callmanager"
	"github.com/acme/campaign-dialer/internal/campaign"
	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/engine"
	"github.com/acme/campaign-dialer/internal/infra/db"
	"github.com/acme/campaign-dialer/internal/infra/redis"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/repository"
	pgsource "github.com/acme/campaign-dialer/internal/repository/postgres"
	"github.com/acme/campaign-dialer/internal/switchclient"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once       sync.Once
		managers   *managers
		transports *transports
		eng        *engine.Engine
	}
}

type managers struct {
	Bus       *bus.Bus
	Switch    *switchclient.Client
	Calls     *callmanager.Manager
	Campaigns *campaign.Manager
}

type transports struct {
	Commands *queue.CommandSubscriber
	Events   *queue.EventPublisher
	Metrics  *queue.MetricsPublisher
	Source   repository.CampaignSource
}

// Build constructs a container for the given configuration path. Postgres is
// optional; campaigns can always be started with inline lead lists.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	var pg *db.Postgres
	if cfg.Postgres.Host != "" {
		pg, err = db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		tr := &transports{
			Commands: queue.NewCommandSubscriber(c.Redis.Inner(), cfg.Engine.CommandChannel, c.Logger),
			Events:   queue.NewEventPublisher(c.Kafka, cfg.Kafka.EventsTopic),
			Metrics:  queue.NewMetricsPublisher(c.Redis.Inner(), cfg.Engine.MetricsKey, cfg.Engine.MetricsChannel),
		}
		if c.Postgres != nil {
			tr.Source = pgsource.NewCampaignSource(c.Postgres.DB())
		}

		b := bus.New(c.Logger, cfg.Engine.EventBusSize)

		sw := switchclient.New(cfg.Switch, c.Logger)
		calls := callmanager.New(sw, b, c.Logger, cfg.Switch.RecordingDir)
		sw.OnEvent(calls.HandleSwitchEvent)

		campaigns := campaign.New(calls, b, c.Logger)
		b.Subscribe(campaigns.HandleEvent)

		mgrs := &managers{
			Bus:       b,
			Switch:    sw,
			Calls:     calls,
			Campaigns: campaigns,
		}

		eng := engine.New(
			cfg.Engine,
			c.Logger,
			b,
			calls,
			campaigns,
			tr.Commands,
			tr.Events,
			tr.Metrics,
			tr.Source,
		)

		c.components.managers = mgrs
		c.components.transports = tr
		c.components.eng = eng
	})
}

// Managers exposes the wired call and campaign managers.
func (c *Container) Managers() *managers {
	c.initComponents()
	return c.components.managers
}

// Transports exposes the command, event and metrics transports.
func (c *Container) Transports() *transports {
	c.initComponents()
	return c.components.transports
}

// Engine exposes the wired engine.
func (c *Container) Engine() *engine.Engine {
	c.initComponents()
	return c.components.eng
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	c.initComponents()
	checks := map[string]handlers.HealthChecker{
		"redis": func(ctx context.Context) error {
			return c.Redis.Inner().Ping(ctx).Err()
		},
		"switch": func(ctx context.Context) error {
			if !c.components.managers.Switch.Connected() {
				return fmt.Errorf("event socket disconnected")
			}
			return nil
		},
	}
	if c.Postgres != nil {
		checks["postgres"] = func(ctx context.Context) error {
			return c.Postgres.DB().PingContext(ctx)
		}
	}
	return handlers.NewHandlerSet(
		c.Logger,
		c.components.eng,
		c.components.managers.Calls,
		c.components.managers.Campaigns,
		checks,
	)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.EventsTopic}, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.managers != nil {
		if err := c.components.managers.Switch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("switch close: %w", err))
		}
	}
	if c.components.transports != nil {
		if err := c.components.transports.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
