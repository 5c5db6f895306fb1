package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BridgeConfig points at the sidecar that holds the actual protocol sessions.
// API id and hash are configuration, handed to the bridge on every connect.
type BridgeConfig struct {
	BaseURL string
	APIID   int
	APIHash string
	Timeout time.Duration
}

// BridgeDialer opens sessions through the bridge's HTTP API.
type BridgeDialer struct {
	cfg    BridgeConfig
	client *http.Client
}

func NewBridgeDialer(cfg BridgeConfig) *BridgeDialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &BridgeDialer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type connectReq struct {
	SessionPath string `json:"session_path"`
	APIID       int    `json:"api_id"`
	APIHash     string `json:"api_hash"`
	Proxy       *Proxy `json:"proxy,omitempty"`
}

type connectResp struct {
	ConnID     string `json:"conn_id"`
	Authorized bool   `json:"authorized"`
}

type bridgeError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *bridgeError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (d *BridgeDialer) Dial(ctx context.Context, sessionPath string, proxy *Proxy) (Client, error) {
	var resp connectResp
	err := d.post(ctx, "/connect", connectReq{
		SessionPath: sessionPath,
		APIID:       d.cfg.APIID,
		APIHash:     d.cfg.APIHash,
		Proxy:       proxy,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &bridgeClient{dialer: d, connID: resp.ConnID, authorized: resp.Authorized}, nil
}

func (d *BridgeDialer) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var be bridgeError
		if json.Unmarshal(raw, &be) == nil && be.Code != "" {
			switch be.Code {
			case "unauthorized":
				return ErrNotAuthorized
			case "2fa_required":
				return ErrTwoFactorRequired
			}
			return &be
		}
		return fmt.Errorf("bridge %s: HTTP %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// bridgeClient drives one bridge-held connection by id.
type bridgeClient struct {
	dialer     *BridgeDialer
	connID     string
	authorized bool
}

type connRef struct {
	ConnID string `json:"conn_id"`
}

func (c *bridgeClient) Authorized(ctx context.Context) (bool, error) {
	return c.authorized, nil
}

func (c *bridgeClient) Identity(ctx context.Context) (Identity, error) {
	var id Identity
	err := c.dialer.post(ctx, "/identity", connRef{ConnID: c.connID}, &id)
	return id, err
}

func (c *bridgeClient) JoinChannel(ctx context.Context, link string) error {
	return c.dialer.post(ctx, "/join", struct {
		connRef
		Link string `json:"link"`
	}{connRef{c.connID}, link}, nil)
}

func (c *bridgeClient) SendMessage(ctx context.Context, link, text string, silent bool) error {
	return c.dialer.post(ctx, "/send", struct {
		connRef
		Link   string `json:"link"`
		Text   string `json:"text"`
		Silent bool   `json:"silent"`
	}{connRef{c.connID}, link, text, silent}, nil)
}

func (c *bridgeClient) Close(ctx context.Context) error {
	return c.dialer.post(ctx, "/disconnect", connRef{ConnID: c.connID}, nil)
}
