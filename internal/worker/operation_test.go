package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"seedpanel/internal/domain"
	"seedpanel/internal/telegram"
)

func newOperator() (*Operator, *fakeDialer) {
	d := newFakeDialer()
	return NewOperator(telegram.NewPool(d)), d
}

func lastMethod(d *fakeDialer, session string) string {
	calls := d.callsFor(session)
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1].method
}

func TestExecuteCheckLive(t *testing.T) {
	op, d := newOperator()

	out := op.Execute(context.Background(), domain.OpCheckLive, "/x/a.session", Params{Filename: "a.session"})

	require.True(t, out.IsLive)
	require.Equal(t, "Live", out.StatusText)
	require.Equal(t, "Test User", out.FullName)
	require.Equal(t, "testuser", out.Username)
	require.Equal(t, "close", lastMethod(d, "a.session"))
}

func TestExecuteUnauthorizedIsDead(t *testing.T) {
	op, d := newOperator()
	d.unauthorized["a.session"] = true

	out := op.Execute(context.Background(), domain.OpCheckLive, "/x/a.session", Params{Filename: "a.session"})

	require.False(t, out.IsLive)
	require.Equal(t, "Dead", out.StatusText)
	require.Empty(t, out.FullName)
	// Connection released even on the early return.
	require.Equal(t, "close", lastMethod(d, "a.session"))
}

func TestExecuteTwoFactorOnDial(t *testing.T) {
	op, d := newOperator()
	d.dialErr["a.session"] = telegram.ErrTwoFactorRequired

	out := op.Execute(context.Background(), domain.OpCheckLive, "/x/a.session", Params{Filename: "a.session"})
	require.False(t, out.IsLive)
	require.Equal(t, "2FA Enabled", out.StatusText)
}

func TestExecuteTruncatesLongErrors(t *testing.T) {
	op, d := newOperator()
	d.dialErr["a.session"] = errors.New(strings.Repeat("x", 200))

	out := op.Execute(context.Background(), domain.OpCheckLive, "/x/a.session", Params{Filename: "a.session"})

	require.False(t, out.IsLive)
	require.Len(t, out.StatusText, maxStatusLen)
}

func TestExecuteJoinGroupCountsJoins(t *testing.T) {
	op, d := newOperator()
	// Every join fails; the unit still comes back live with a 0/2 tally.
	d.joinErr = fmt.Errorf("CHANNELS_TOO_MUCH")

	out := op.Execute(context.Background(), domain.OpJoinGroup, "/x/a.session", Params{
		Filename:  "a.session",
		JoinLinks: []string{"https://t.me/one", "https://t.me/two"},
	})

	require.True(t, out.IsLive)
	require.Equal(t, "Joined 0/2", out.StatusText)
	require.Equal(t, "close", lastMethod(d, "a.session"))
}

func TestExecuteSeedIgnoresJoinFailure(t *testing.T) {
	op, d := newOperator()
	d.joinErr = fmt.Errorf("INVITE_REQUEST_SENT")

	out := op.Execute(context.Background(), domain.OpSeedMessage, "/x/a.session", Params{
		Filename:   "a.session",
		SeedGroup:  "https://t.me/target",
		SeedText:   "hello there",
		SendSilent: true,
	})

	require.True(t, out.IsLive)
	require.Equal(t, "Seeded", out.StatusText)

	sends := d.sends()
	require.Len(t, sends, 1)
	require.Equal(t, "https://t.me/target", sends[0].link)
	require.Equal(t, "hello there", sends[0].text)
	require.True(t, sends[0].silent)
}

func TestExecuteSeedSendFailure(t *testing.T) {
	op, d := newOperator()
	d.sendErr["a.session"] = errors.New("CHAT_WRITE_FORBIDDEN (caused by SendMessageRequest)")

	out := op.Execute(context.Background(), domain.OpSeedMessage, "/x/a.session", Params{
		Filename:  "a.session",
		SeedGroup: "https://t.me/target",
		SeedText:  "hello",
	})

	require.False(t, out.IsLive)
	require.LessOrEqual(t, len(out.StatusText), maxStatusLen)
	require.True(t, strings.HasPrefix(out.StatusText, "CHAT_WRITE_FORBIDDEN"))
	require.Equal(t, "close", lastMethod(d, "a.session"))
}
