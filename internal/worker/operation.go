package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"seedpanel/internal/domain"
	"seedpanel/internal/telegram"
)

// maxStatusLen bounds the free-text status persisted for a failed unit.
const maxStatusLen = 50

// Params are the rotated inputs handed to one unit of work.
type Params struct {
	Filename   string
	Proxy      *telegram.Proxy
	JoinLinks  []string
	SeedGroup  string
	SeedText   string
	SendSilent bool
}

// Operator executes a single session operation. Errors never escape: every
// failure becomes a dead Outcome with a bounded status text.
type Operator struct {
	pool *telegram.Pool
}

func NewOperator(pool *telegram.Pool) *Operator { return &Operator{pool: pool} }

// Execute connects the session, checks authorization, fetches identity, then
// applies the kind-specific effect. The connection is released on every exit
// path.
func (o *Operator) Execute(ctx context.Context, kind domain.OperationKind, sessionPath string, p Params) domain.Outcome {
	out := domain.Outcome{Filename: p.Filename, StatusText: "Error"}

	client, err := o.pool.Acquire(ctx, sessionPath, p.Proxy)
	if err != nil {
		out.StatusText = statusFor(err)
		return out
	}
	defer func() {
		if err := client.Close(ctx); err != nil {
			log.Debug().Err(err).Str("session", p.Filename).Msg("disconnect failed")
		}
	}()

	authorized, err := client.Authorized(ctx)
	if err != nil {
		out.StatusText = statusFor(err)
		return out
	}
	if !authorized {
		out.StatusText = "Dead"
		return out
	}

	identity, err := client.Identity(ctx)
	if err != nil {
		out.StatusText = statusFor(err)
		return out
	}
	out.FullName = identity.FullName()
	if out.FullName == "" {
		out.FullName = "No Name"
	}
	out.Username = identity.Username

	switch kind {
	case domain.OpCheckLive:
		out.IsLive = true
		out.StatusText = "Live"

	case domain.OpJoinGroup:
		joined := 0
		for _, link := range p.JoinLinks {
			if err := client.JoinChannel(ctx, link); err != nil {
				log.Debug().Err(err).Str("session", p.Filename).Str("link", link).Msg("join failed")
				continue
			}
			joined++
		}
		out.IsLive = true
		out.StatusText = fmt.Sprintf("Joined %d/%d", joined, len(p.JoinLinks))

	case domain.OpSeedMessage:
		// Best-effort join: already being a member is the common case and
		// indistinguishable from a transient failure.
		if err := client.JoinChannel(ctx, p.SeedGroup); err != nil {
			log.Debug().Err(err).Str("session", p.Filename).Str("group", p.SeedGroup).Msg("pre-send join failed")
		}
		if err := client.SendMessage(ctx, p.SeedGroup, p.SeedText, p.SendSilent); err != nil {
			out.IsLive = false
			out.StatusText = statusFor(err)
			return out
		}
		out.IsLive = true
		out.StatusText = "Seeded"
	}
	return out
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, telegram.ErrNotAuthorized):
		return "Dead"
	case errors.Is(err, telegram.ErrTwoFactorRequired):
		return "2FA Enabled"
	default:
		return truncate(err.Error(), maxStatusLen)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
