// Package housekeeping runs the background chores of the client: pruning old
// cached messages on a schedule and registering the device push token.
package housekeeping

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/stagecoach/internal/models"
	"github.com/zulandar/stagecoach/internal/retry"
	"github.com/zulandar/stagecoach/internal/store"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// Sweeper prunes cached messages past the retention window. Tombstones and
// queued messages are never pruned.
type Sweeper struct {
	store     *store.Store
	retention time.Duration
	schedule  string
	out       *log.Logger
}

// SweeperOpts configures a Sweeper.
type SweeperOpts struct {
	Store     *store.Store
	Retention time.Duration // how far back cached history is kept
	Schedule  string        // 5-field cron expression, e.g. "0 4 * * *"
	Out       *log.Logger
}

// NewSweeper validates opts and creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("housekeeping: store is required")
	}
	if opts.Retention <= 0 {
		return nil, fmt.Errorf("housekeeping: retention must be positive")
	}
	if opts.Schedule == "" {
		opts.Schedule = "0 4 * * *"
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("housekeeping: parse schedule %q: %w", opts.Schedule, err)
	}
	if opts.Out == nil {
		opts.Out = log.Default()
	}
	return &Sweeper{
		store:     opts.Store,
		retention: opts.Retention,
		schedule:  opts.Schedule,
		out:       opts.Out,
	}, nil
}

// SweepOnce deletes prunable messages older than the retention window and
// returns how many were removed.
func (s *Sweeper) SweepOnce() (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	res := s.store.DB().
		Where("timestamp > ? AND timestamp < ?", time.Time{}, cutoff).
		Where("is_deleted = ?", false).
		Where("status IN ?", []string{"sent", "delivered", "read"}).
		Delete(&models.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("housekeeping: sweep: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		d := nextCronDuration(s.schedule)
		if d == 0 {
			d = 24 * time.Hour
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		n, err := s.SweepOnce()
		if err != nil {
			s.out.Printf("housekeeping: %v", err)
			continue
		}
		if n > 0 {
			s.out.Printf("housekeeping: pruned %d cached messages", n)
		}
	}
}

// backoffBase is the initial retry delay for token registration.
var backoffBase = time.Second

// TokenWriter persists a device token with the backend.
type TokenWriter interface {
	RegisterToken(ctx context.Context, tok *models.DeviceToken) error
}

// RegisterDevice stores the push token locally and registers it remotely,
// retrying transient failures with backoff.
func RegisterDevice(ctx context.Context, st *store.Store, w TokenWriter, userID, token, platform string) error {
	if userID == "" || token == "" {
		return fmt.Errorf("housekeeping: user id and token are required")
	}
	tok := &models.DeviceToken{
		UserID:       userID,
		Token:        token,
		Platform:     platform,
		RegisteredAt: time.Now(),
	}
	if err := st.SaveDeviceToken(tok); err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	return retry.Backoff(ctx, 3, backoffBase, func() error {
		return w.RegisterToken(ctx, tok)
	})
}
