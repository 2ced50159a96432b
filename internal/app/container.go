// Package app wires shared infrastructure into the components the
// binaries run.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/infra/db"
	"github.com/acme/lead-call-orchestrator/internal/infra/redis"
	"github.com/acme/lead-call-orchestrator/internal/metrics"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	pgrepo "github.com/acme/lead-call-orchestrator/internal/repository/postgres"
	scyllarepo "github.com/acme/lead-call-orchestrator/internal/repository/scylla"
	"github.com/acme/lead-call-orchestrator/internal/scheduler"
	"github.com/acme/lead-call-orchestrator/internal/service/concurrency"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	telephonyMock "github.com/acme/lead-call-orchestrator/internal/telephony/mock"
	"github.com/acme/lead-call-orchestrator/internal/telephony/pearl"
	"github.com/acme/lead-call-orchestrator/internal/worker/dispatch"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// Container holds shared infrastructure and lazily built components.
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	Location *time.Location

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	components struct {
		once sync.Once
		err  error

		store     *pgrepo.Store
		leads     *pgrepo.LeadRepository
		schedules *pgrepo.ScheduleRepository
		configs   *pgrepo.ConfigRepository
		history   *scyllarepo.CallHistoryStore

		collector *metrics.Collector
		events    *queue.EventPublisher
		limiter   *concurrency.Limiter
		callLog   *telephony.CallLog
		provider  telephony.Provider

		scheduler  *scheduler.Scheduler
		dispatcher *dispatch.Worker
	}
}

// Build connects the infrastructure for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if cfg.App.Timezone != "" {
		loc, err = time.LoadLocation(cfg.App.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.App.Timezone, err)
		}
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	var kafka *queue.Kafka
	if cfg.Kafka.Enabled {
		kafka, err = queue.NewKafka(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Location: loc,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		sqlDB := c.Postgres.DB()
		c.components.store = pgrepo.NewStore(sqlDB)
		c.components.leads = pgrepo.NewLeadRepository(sqlDB)
		c.components.schedules = pgrepo.NewScheduleRepository(sqlDB)
		c.components.configs = pgrepo.NewConfigRepository(sqlDB)
		c.components.history = scyllarepo.NewCallHistoryStore(c.Scylla.Session())

		c.components.collector = metrics.NewCollector(nil)

		if c.Kafka != nil {
			c.components.events = queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventTopic, c.Logger)
		}

		c.components.limiter = concurrency.NewLimiter(
			c.Redis.Inner(),
			c.Config.Dispatcher.ConcurrencyCap,
			c.Config.Dispatcher.LockTTL,
			c.Config.Dispatcher.LockKeyPrefix,
		)

		provider, err := c.buildProvider()
		if err != nil {
			c.components.err = err
			return
		}
		c.components.provider = provider

		c.components.scheduler = scheduler.New(
			c.components.store,
			c.components.leads,
			c.components.schedules,
			c.components.configs,
			c.components.events,
			c.components.collector,
			c.Location,
			c.Logger,
		)

		c.components.dispatcher = dispatch.New(
			c.Config.Dispatcher,
			c.components.scheduler,
			c.components.leads,
			c.components.history,
			c.components.provider,
			c.components.limiter,
			c.components.events,
			c.components.collector,
			c.Logger,
		)
	})
	return c.components.err
}

// buildProvider picks the real voice provider when credentials are
// present and the in-memory one otherwise, so local environments never
// dial real phones by accident.
func (c *Container) buildProvider() (telephony.Provider, error) {
	if c.Config.Pearl.AccountID == "" {
		return telephonyMock.NewProvider(10 * time.Second), nil
	}
	if c.Config.Pearl.CallLogPath != "" {
		callLog, err := telephony.NewCallLog(c.Config.Pearl.CallLogPath, c.Config.Pearl.CallLogMaxMB)
		if err != nil {
			return nil, err
		}
		c.components.callLog = callLog
	}
	return pearl.NewClient(c.Config.Pearl, c.components.callLog, c.Logger)
}

// Scheduler exposes the scheduling engine.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.scheduler, nil
}

// Dispatcher exposes the dialing worker.
func (c *Container) Dispatcher() (*dispatch.Worker, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.dispatcher, nil
}

// Leads exposes the lead repository.
func (c *Container) Leads() (*pgrepo.LeadRepository, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.leads, nil
}

// Configs exposes the settings repository.
func (c *Container) Configs() (*pgrepo.ConfigRepository, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.configs, nil
}

// History exposes the call history store.
func (c *Container) History() (*scyllarepo.CallHistoryStore, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.history, nil
}

// Provider exposes the voice provider.
func (c *Container) Provider() (telephony.Provider, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.provider, nil
}

// Collector exposes the Prometheus collector.
func (c *Container) Collector() (*metrics.Collector, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.collector, nil
}

// EnsureTopics creates the event topic when event publishing is on.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil || c.Config.Kafka.EventTopic == "" {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.EventTopic}, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.events != nil {
		if err := c.components.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.components.callLog != nil {
		if err := c.components.callLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("call log close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
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
