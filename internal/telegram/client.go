// Package telegram wraps access to remote accounts. The protocol itself lives
// in an external bridge service; this package only models the capability an
// operation needs: connect, check authorization, fetch identity, join, send,
// disconnect.
package telegram

import (
	"context"
	"errors"
)

var (
	// ErrNotAuthorized means the session connected but holds no valid login.
	ErrNotAuthorized = errors.New("session not authorized")
	// ErrTwoFactorRequired means the account has a cloud password set.
	ErrTwoFactorRequired = errors.New("two-factor password required")
)

// Identity is the account behind a session.
type Identity struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// FullName joins the name parts the way the panel displays them.
func (id Identity) FullName() string {
	switch {
	case id.FirstName != "" && id.LastName != "":
		return id.FirstName + " " + id.LastName
	case id.FirstName != "":
		return id.FirstName
	default:
		return id.LastName
	}
}

// Client is one connected session. Every method may fail with a transport or
// protocol error; Close must be called on every exit path.
type Client interface {
	// Authorized reports whether the session holds a valid login.
	Authorized(ctx context.Context) (bool, error)
	// Identity returns the logged-in account's display data.
	Identity(ctx context.Context) (Identity, error)
	// JoinChannel joins the channel or group behind the given link.
	JoinChannel(ctx context.Context, link string) error
	// SendMessage posts text to the given channel, optionally silently.
	SendMessage(ctx context.Context, link, text string, silent bool) error
	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// Dialer opens a connection for one session file. Proxy may be nil.
type Dialer interface {
	Dial(ctx context.Context, sessionPath string, proxy *Proxy) (Client, error)
}
