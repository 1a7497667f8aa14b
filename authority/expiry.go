package authority

import (
	"context"
	"time"

	"github.com/juanfont/impersonate/tasks"
	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often the in-process sweeper looks for
// elapsed sessions.
const DefaultSweepInterval = 30 * time.Second

// RunSweeper expires elapsed sessions every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Starting expiry sweeper")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Expiry sweep failed")
		}
		return
	}
	if n > 0 {
		log.Info().Int("expired", n).Msg("Expiry sweep finished")
	}
}

// HandleExpireTask processes a scheduled expiry. A task that arrives before
// the session is due, or after it already ended, is a no-op.
func (s *Service) HandleExpireTask(ctx context.Context, p tasks.ExpireSessionPayload) error {
	changed, err := s.ExpireSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	log.Debug().
		Str("session_id", p.SessionID.String()).
		Bool("expired", changed).
		Msg("Processed expiry task")
	return nil
}

// HandleSweepTask processes the periodic sweep task.
func (s *Service) HandleSweepTask(ctx context.Context, _ tasks.SweepPayload) error {
	_, err := s.ExpireDue(ctx)
	return err
}

// RegisterTasks registers the expiry handlers on a task server.
func (s *Service) RegisterTasks(srv *tasks.Server) {
	srv.Handle(tasks.TaskTypeExpireSession, tasks.NewTaskHandler(s.HandleExpireTask))
	srv.Handle(tasks.TaskTypeSweepExpired, tasks.NewTaskHandler(s.HandleSweepTask))
}
