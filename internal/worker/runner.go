package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"seedpanel/internal/domain"
	"seedpanel/internal/registry"
	"seedpanel/internal/rotation"
	"seedpanel/internal/store"
	"seedpanel/internal/telegram"
)

// Runner drives task runs: it partitions work into concurrency windows,
// staggers unit starts, enforces a barrier per window, interleaves admin
// sends between windows and observes the stop flag at every suspension point.
type Runner struct {
	reg     *registry.Registry
	repo    store.Repository
	pool    *telegram.Pool
	op      *Operator
	dataDir string

	// sleep is swapped out by tests; it must honor ctx cancellation.
	sleep func(ctx context.Context, d time.Duration)
}

func NewRunner(reg *registry.Registry, repo store.Repository, pool *telegram.Pool, dataDir string) *Runner {
	return &Runner{
		reg:     reg,
		repo:    repo,
		pool:    pool,
		op:      NewOperator(pool),
		dataDir: dataDir,
		sleep:   sleepCtx,
	}
}

// Submit registers the task and launches its run on a separate goroutine so
// the caller can return a task id immediately.
func (r *Runner) Submit(ctx context.Context, t domain.Task) string {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	r.reg.Create(t.ID, t.Kind, t.GroupID, len(t.Filenames))
	go r.Run(context.WithoutCancel(ctx), t)
	return t.ID
}

type workItem struct {
	path     string
	filename string
}

// Run executes the task to a terminal status. Cancellation is cooperative:
// the stop flag halts new scheduling, in-flight units are always awaited.
func (r *Runner) Run(ctx context.Context, t domain.Task) {
	log.Info().Str("task", t.ID).Str("kind", string(t.Kind)).Int64("group", t.GroupID).Msg("task started")

	items := r.prepare(t)

	concurrency := t.Concurrency
	var groups *rotation.Cycler[string]
	var messages *rotation.Cycler[string]
	if t.Kind == domain.OpSeedMessage {
		if len(t.Seed.GroupLinks) == 0 {
			r.fail(t.ID, "seeding requires at least one group link")
			return
		}
		// One simultaneous sender per target group.
		concurrency = len(t.Seed.GroupLinks)
		groups = rotation.NewCycler(t.Seed.GroupLinks)
		messages = rotation.NewCycler(t.Seed.Messages)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	proxies := rotation.NewCycler(r.parseProxies(t.ID, t.Proxies))
	admin := r.newAdmin(t)

	for i := 0; i < len(items); i += concurrency {
		if r.reg.Status(t.ID) == domain.StatusStopped {
			log.Info().Str("task", t.ID).Msg("task stopped before batch")
			break
		}

		end := i + concurrency
		if end > len(items) {
			end = len(items)
		}
		batch := items[i:end]
		log.Debug().Str("task", t.ID).Int("batch", i/concurrency+1).Int("size", len(batch)).Msg("batch starting")

		var g errgroup.Group
		for j, item := range batch {
			if r.reg.Status(t.ID) == domain.StatusStopped {
				break
			}

			p := Params{Filename: item.filename, Proxy: proxies.Next()}
			switch t.Kind {
			case domain.OpJoinGroup:
				p.JoinLinks = t.Join.Links
			case domain.OpSeedMessage:
				p.SeedGroup = groups.Next()
				p.SeedText = messages.Next()
				p.SendSilent = t.Seed.SendSilent
			}

			item := item
			g.Go(func() error {
				out := r.op.Execute(ctx, t.Kind, item.path, p)
				if err := r.repo.UpsertOutcome(ctx, t.GroupID, out); err != nil {
					log.Error().Err(err).Str("task", t.ID).Str("session", item.filename).Msg("persist outcome")
				}
				r.reg.AppendResult(t.ID, out)
				return nil
			})

			// Staggered start: pause before launching the next unit, not
			// after the window's last one.
			if t.DelayPerSession > 0 && j < len(batch)-1 {
				r.sleep(ctx, t.DelayPerSession)
			}
		}

		// Barrier: the next window never starts before this one settles.
		_ = g.Wait()

		if admin != nil && r.reg.Status(t.ID) != domain.StatusStopped {
			admin.fire(ctx, t.ID)
		}

		if end < len(items) && r.reg.Status(t.ID) != domain.StatusStopped && t.DelayBetweenBatches > 0 {
			r.countdown(ctx, t.ID, t.DelayBetweenBatches, "Waiting for next batch... %ds")
		}
	}

	r.reg.SetStatus(t.ID, domain.StatusCompleted)
	log.Info().Str("task", t.ID).Str("status", string(r.reg.Status(t.ID))).Msg("task finished")
}

// prepare drops empty filenames (shrinking the expected total) and resolves
// the rest against the group folder. A missing file is skipped with a task
// message; the total stays put.
func (r *Runner) prepare(t domain.Task) []workItem {
	var items []workItem
	for _, f := range t.Filenames {
		if f == "" {
			r.reg.AdjustTotal(t.ID, -1)
			continue
		}
		path, err := r.pool.Resolve(t.FolderPath, f)
		if err != nil {
			log.Warn().Err(err).Str("task", t.ID).Msg("skipping session")
			r.reg.AppendMessage(t.ID, fmt.Sprintf("Session file not found: %s", f))
			continue
		}
		items = append(items, workItem{path: path, filename: f})
	}
	return items
}

func (r *Runner) parseProxies(taskID string, raw []string) []*telegram.Proxy {
	var out []*telegram.Proxy
	for _, s := range raw {
		p, err := telegram.ParseProxy(s)
		if err != nil {
			log.Warn().Err(err).Str("task", taskID).Msg("dropping unusable proxy")
			continue
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (r *Runner) fail(taskID, msg string) {
	r.reg.AppendMessage(taskID, msg)
	r.reg.SetStatus(taskID, domain.StatusFailed)
	log.Error().Str("task", taskID).Msg(msg)
}

// countdown sleeps the given number of seconds one tick at a time, appending
// a progress line per elapsed second so polling clients see a live wait. It
// aborts as soon as the stop flag is observed.
func (r *Runner) countdown(ctx context.Context, taskID string, d time.Duration, format string) {
	for s := int(d.Seconds()); s >= 1; s-- {
		if r.reg.Status(taskID) == domain.StatusStopped {
			return
		}
		r.reg.AppendMessage(taskID, fmt.Sprintf(format, s))
		r.sleep(ctx, time.Second)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
