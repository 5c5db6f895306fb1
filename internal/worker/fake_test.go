package worker

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"seedpanel/internal/telegram"
)

// fakeCall records one client interaction, keyed by the session's base name.
type fakeCall struct {
	session string
	method  string
	link    string
	text    string
	silent  bool
	proxy   *telegram.Proxy
	at      time.Time
}

// fakeDialer is an in-memory stand-in for the bridge. Behavior is tweaked per
// test via the exported-ish fields; all calls are recorded under a lock.
type fakeDialer struct {
	mu    sync.Mutex
	calls []fakeCall

	unauthorized map[string]bool
	dialErr      map[string]error
	sendErr      map[string]error
	joinErr      error
	identity     telegram.Identity
	opDelay      time.Duration
	onAuthorized func(session string)
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		unauthorized: make(map[string]bool),
		dialErr:      make(map[string]error),
		sendErr:      make(map[string]error),
		identity:     telegram.Identity{FirstName: "Test", LastName: "User", Username: "testuser"},
	}
}

func (d *fakeDialer) record(c fakeCall) {
	c.at = time.Now()
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
}

// callsFor returns the method names invoked for one session, in order.
func (d *fakeDialer) callsFor(session string) []fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []fakeCall
	for _, c := range d.calls {
		if c.session == session {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDialer) sends() []fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []fakeCall
	for _, c := range d.calls {
		if c.method == "send" {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDialer) Dial(ctx context.Context, sessionPath string, proxy *telegram.Proxy) (telegram.Client, error) {
	session := filepath.Base(sessionPath)
	d.record(fakeCall{session: session, method: "dial", proxy: proxy})
	d.mu.Lock()
	err := d.dialErr[session]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeClient{d: d, session: session, proxy: proxy}, nil
}

type fakeClient struct {
	d       *fakeDialer
	session string
	proxy   *telegram.Proxy
}

func (c *fakeClient) Authorized(ctx context.Context) (bool, error) {
	if c.d.opDelay > 0 {
		time.Sleep(c.d.opDelay)
	}
	if c.d.onAuthorized != nil {
		c.d.onAuthorized(c.session)
	}
	c.d.record(fakeCall{session: c.session, method: "authorized", proxy: c.proxy})
	c.d.mu.Lock()
	dead := c.d.unauthorized[c.session]
	c.d.mu.Unlock()
	return !dead, nil
}

func (c *fakeClient) Identity(ctx context.Context) (telegram.Identity, error) {
	c.d.record(fakeCall{session: c.session, method: "identity"})
	return c.d.identity, nil
}

func (c *fakeClient) JoinChannel(ctx context.Context, link string) error {
	c.d.record(fakeCall{session: c.session, method: "join", link: link})
	return c.d.joinErr
}

func (c *fakeClient) SendMessage(ctx context.Context, link, text string, silent bool) error {
	c.d.record(fakeCall{session: c.session, method: "send", link: link, text: text, silent: silent, proxy: c.proxy})
	c.d.mu.Lock()
	err := c.d.sendErr[c.session]
	c.d.mu.Unlock()
	return err
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.d.record(fakeCall{session: c.session, method: "close"})
	return nil
}
