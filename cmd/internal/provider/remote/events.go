package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"quill/cmd/internal/authstate"
	"quill/cmd/profile/ids"
	authv1 "quill/shared/contracts/authevents/v1"
)

const streamReadLimit = 64 << 10

// Run keeps the session fresh and follows the backend event stream until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.refreshLoop(ctx) })
	g.Go(func() error { return c.streamLoop(ctx) })
	return g.Wait()
}

func (c *Client) refreshLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.RefreshEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := c.CurrentSession(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("remote.session.auto_refresh_failed", "err", err)
			}
		}
	}
}

func (c *Client) streamLoop(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin

	for {
		// The snapshot below is current; earlier change signals are stale.
		select {
		case <-c.changed:
		default:
		}

		sess := c.snapshot()
		if sess == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-c.changed:
				continue
			}
		}

		err := c.stream(ctx, sess)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = c.cfg.ReconnectMin
			continue
		}

		c.log.Warn("remote.events.disconnected", "err", err, "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return nil
		case <-c.changed:
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

func (c *Client) eventsURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.cfg.EventsPath
	return u.String()
}

// stream follows events for sess. It returns nil when the session changed
// underneath it and an error when the connection failed.
func (c *Client) stream(ctx context.Context, sess *authstate.Session) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.Dial(sctx, c.eventsURL(), &websocket.DialOptions{
		Subprotocols: []string{authv1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + sess.AccessToken}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(streamReadLimit)

	if conn.Subprotocol() != authv1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return errors.New("server did not negotiate " + authv1.Subprotocol)
	}

	hello, err := envelope(authv1.TypeHello, authv1.HelloPayload{AccessToken: sess.AccessToken}, c.now())
	if err != nil {
		return err
	}
	if err := conn.Write(sctx, websocket.MessageText, hello); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	watch := c.watchChanges(sctx, cancel)
	defer watch.stop()

	for {
		_, data, err := conn.Read(sctx)
		if err != nil {
			// A change consumed by the watcher means reconnect now, whatever ended the read.
			if watch.stop() && ctx.Err() == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "session changed")
				return nil
			}
			return err
		}

		var env authv1.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Validate() != nil {
			c.log.Debug("remote.events.bad_frame")
			continue
		}
		c.dispatch(sess.ID, env)
	}
}

// changeWatch cancels a stream when the current session changes.
type changeWatch struct {
	cancel   context.CancelFunc
	done     chan struct{}
	switched chan struct{}
}

func (c *Client) watchChanges(ctx context.Context, cancel context.CancelFunc) *changeWatch {
	w := &changeWatch{cancel: cancel, done: make(chan struct{}), switched: make(chan struct{})}
	go func() {
		defer close(w.done)
		select {
		case <-c.changed:
			close(w.switched)
			cancel()
		case <-ctx.Done():
		}
	}()
	return w
}

// stop ends the watch and reports whether it consumed a change signal. Once
// stop returns, later signals are left for streamLoop.
func (w *changeWatch) stop() bool {
	w.cancel()
	<-w.done
	select {
	case <-w.switched:
		return true
	default:
		return false
	}
}

func (c *Client) dispatch(sid string, env authv1.Envelope) {
	switch env.Type {
	case authv1.TypeHelloAck:
		var p authv1.HelloAckPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Debug("remote.events.subscribed", "session_id", p.SessionID)

	case authv1.TypeSessionRevoked:
		var p authv1.SessionRevokedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		target := p.SessionID
		if target == "" {
			target = sid
		}
		c.revoke(target, p.Reason)

	case authv1.TypeUserUpdated:
		var p authv1.UserUpdatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.User.ID == "" {
			return
		}
		c.applyUser(sid, identityOf(p.User))

	case authv1.TypeError:
		var p authv1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Warn("remote.events.error", "code", p.Code, "message", p.Message)
	}
}

func envelope(typ string, payload any, now time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(authv1.Envelope{V: authv1.Version, Type: typ, ID: ids.Make(now), TS: now, Payload: raw})
}
