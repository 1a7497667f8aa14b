// Package tasks provides the Asynq plumbing for deferred session expiry.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Task types handled by the worker.
const (
	TaskTypeExpireSession = "impersonation:expire"
	TaskTypeSweepExpired  = "impersonation:sweep"
)

const (
	// QueueExpiry is the queue expiry tasks are placed on.
	QueueExpiry = "critical"
	// DefaultSweepInterval is the period of the sweep task.
	DefaultSweepInterval = 30 * time.Second
)

// ExpireSessionPayload is the payload of an expiry task.
type ExpireSessionPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// SweepPayload is the payload of the periodic sweep task.
type SweepPayload struct{}

// RedisConfig locates the Redis instance backing the queues.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) opt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}
}

// Client wraps an Asynq client for enqueuing tasks.
type Client struct {
	client *asynq.Client
}

// NewClient creates a new task client.
func NewClient(cfg RedisConfig) *Client {
	return &Client{client: asynq.NewClient(cfg.opt())}
}

// Close closes the task client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Enqueue enqueues a task with the given type and payload.
func (c *Client) Enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueuing task: %w", err)
	}

	log.Debug().
		Str("task_type", taskType).
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Msg("Task enqueued")

	return info, nil
}

// ExpiryTaskID is the task id of the expiry task of a session. One session
// never has two expiry tasks queued.
func ExpiryTaskID(sessionID uuid.UUID) string {
	return "expire:" + sessionID.String()
}

// ExpiryOptions returns the enqueue options of the expiry task of a session.
func ExpiryOptions(sessionID uuid.UUID, at time.Time) []asynq.Option {
	return []asynq.Option{
		asynq.TaskID(ExpiryTaskID(sessionID)),
		asynq.ProcessAt(at),
		asynq.Queue(QueueExpiry),
		asynq.MaxRetry(5),
	}
}

// ScheduleExpiry enqueues the expiry of a session at its expiry instant.
// Scheduling the same session twice is not an error.
func (c *Client) ScheduleExpiry(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	_, err := c.Enqueue(ctx, TaskTypeExpireSession, ExpireSessionPayload{SessionID: sessionID}, ExpiryOptions(sessionID, at)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// Server wraps an Asynq server for processing tasks.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// ServerConfig holds configuration for the task server.
type ServerConfig struct {
	Redis       RedisConfig
	Concurrency int
	Queues      map[string]int // Queue name -> priority
}

// DefaultServerConfig returns a default server configuration.
func DefaultServerConfig(redis RedisConfig) *ServerConfig {
	return &ServerConfig{
		Redis:       redis,
		Concurrency: 4,
		Queues: map[string]int{
			QueueExpiry: 6,
			"default":   3,
		},
	}
}

// NewServer creates a new task server.
func NewServer(cfg *ServerConfig) *Server {
	server := asynq.NewServer(
		cfg.Redis.opt(),
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().
					Err(err).
					Str("task_type", task.Type()).
					Bytes("payload", task.Payload()).
					Msg("Task failed")
			}),
		},
	)

	return &Server{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// Handle registers a handler for the given task type.
func (s *Server) Handle(taskType string, handler asynq.Handler) {
	s.mux.Handle(taskType, handler)
	log.Debug().Str("task_type", taskType).Msg("Registered task handler")
}

// Run processes tasks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Msg("Starting task server")
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("starting task server: %w", err)
	}
	<-ctx.Done()
	log.Info().Msg("Shutting down task server")
	s.server.Shutdown()
	return nil
}

// Scheduler enqueues the periodic sweep task.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler registers the sweep task every interval.
func NewScheduler(redis RedisConfig, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	scheduler := asynq.NewScheduler(redis.opt(), &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	data, err := json.Marshal(SweepPayload{})
	if err != nil {
		return nil, fmt.Errorf("marshaling sweep payload: %w", err)
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := scheduler.Register(spec, asynq.NewTask(TaskTypeSweepExpired, data), asynq.Queue(QueueExpiry)); err != nil {
		return nil, fmt.Errorf("registering sweep task: %w", err)
	}
	return &Scheduler{scheduler: scheduler}, nil
}

// Run enqueues sweeps until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	<-ctx.Done()
	s.scheduler.Shutdown()
	return nil
}

// TaskHandler is an asynq.Handler with automatic JSON unmarshaling.
type TaskHandler[T any] struct {
	handler func(context.Context, T) error
}

// NewTaskHandler creates a new typed task handler.
func NewTaskHandler[T any](handler func(context.Context, T) error) *TaskHandler[T] {
	return &TaskHandler[T]{handler: handler}
}

// ProcessTask implements asynq.Handler. Payloads that cannot be decoded are
// not retried.
func (h *TaskHandler[T]) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshaling task payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.handler(ctx, payload)
}
