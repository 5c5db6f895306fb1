package worker

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"seedpanel/internal/domain"
	"seedpanel/internal/rotation"
	"seedpanel/internal/telegram"
)

// adminInterleaver runs one privileged send after each batch of a seeding
// task. It keeps its own group rotation, advanced once per batch, and never
// uses a proxy.
type adminInterleaver struct {
	runner      *Runner
	rotor       *rotation.AdminRotor
	sessionPath string
	messages    []string
	delay       time.Duration

	// pick selects an admin message index; tests pin it.
	pick func(n int) int
}

// newAdmin returns nil when the task has no admin interleaving to do: wrong
// kind, disabled, or missing session/messages.
func (r *Runner) newAdmin(t domain.Task) *adminInterleaver {
	if t.Kind != domain.OpSeedMessage || !t.AdminEnabled {
		return nil
	}
	if t.Seed.AdminSessionFile == "" || len(t.Seed.AdminMessages) == 0 {
		return nil
	}
	adminDir := filepath.Join(r.dataDir, telegram.AdminSessionFolder)
	path, err := r.pool.Resolve(adminDir, t.Seed.AdminSessionFile)
	if err != nil {
		log.Warn().Err(err).Str("task", t.ID).Msg("admin session unavailable, interleaving disabled")
		return nil
	}
	return &adminInterleaver{
		runner:      r,
		rotor:       rotation.NewAdminRotor(t.Seed.GroupLinks),
		sessionPath: path,
		messages:    t.Seed.AdminMessages,
		delay:       t.AdminDelay,
		pick:        rand.Intn,
	}
}

// fire performs the post-batch admin send: optional per-second countdown,
// best-effort join, send, then advance the rotor. Failures become a task
// message and never fail the batch.
func (a *adminInterleaver) fire(ctx context.Context, taskID string) {
	r := a.runner

	group, ok := a.rotor.Current()
	if !ok {
		return
	}
	text := a.messages[a.pick(len(a.messages))]

	if a.delay > 0 {
		r.countdown(ctx, taskID, a.delay, "Admin replying in... %ds")
	}
	if r.reg.Status(taskID) == domain.StatusStopped {
		return
	}

	if err := a.send(ctx, group, text); err != nil {
		r.reg.AppendMessage(taskID, fmt.Sprintf("Admin send failed: %s", truncate(err.Error(), maxStatusLen)))
		log.Warn().Err(err).Str("task", taskID).Str("group", group).Msg("admin send failed")
	}
	a.rotor.Advance()
}

func (a *adminInterleaver) send(ctx context.Context, group, text string) error {
	// Admin traffic is never proxied.
	client, err := a.runner.pool.Acquire(ctx, a.sessionPath, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("admin disconnect failed")
		}
	}()

	authorized, err := client.Authorized(ctx)
	if err != nil {
		return err
	}
	if !authorized {
		return telegram.ErrNotAuthorized
	}

	if err := client.JoinChannel(ctx, group); err != nil {
		log.Debug().Err(err).Str("group", group).Msg("admin join failed")
	}
	return client.SendMessage(ctx, group, text, false)
}
