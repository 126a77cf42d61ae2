package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/example/commute-pool/internal/feed"
	"github.com/example/commute-pool/internal/reconciler"
)

// closeResync mirrors the server's close code for lagging subscribers.
const closeResync = 4000

// ErrResync means the server dropped the feed because the client fell
// behind. History must be reloaded before resubscribing.
var ErrResync = errors.New("client: feed requires resync")

// Stream is a live conversation feed over a websocket.
type Stream struct {
	C <-chan feed.Event

	conn   *websocket.Conn
	once   sync.Once
	closed atomic.Bool
	mu     sync.Mutex
	err    error
}

// Err reports why C was closed. Nil after a normal close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Subscribe opens the insert feed of a conversation. The stream ends when
// ctx is done, the server closes it, or Close is called.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (*Stream, error) {
	target, err := c.wsURL("/ws/conversations/" + url.PathEscape(conversationID))
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("subscribe %s: status %d: %w", conversationID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	out := make(chan feed.Event, 16)
	s := &Stream{C: out, conn: conn}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(done)
		defer close(out)
		for {
			var ev feed.Event
			if err := conn.ReadJSON(&ev); err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == closeResync {
					s.mu.Lock()
					s.err = ErrResync
					s.mu.Unlock()
				} else if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

// Follow keeps v in sync with the server until ctx is done: it subscribes,
// loads history, then applies live events. A resync request from the server
// starts over.
func (c *Client) Follow(ctx context.Context, v *reconciler.View) error {
	for {
		stream, err := c.Subscribe(ctx, v.ConversationID)
		if err != nil {
			return err
		}
		// Subscribe first so nothing inserted while the history loads is missed.
		hist, err := c.History(ctx, v.ConversationID)
		if err != nil {
			_ = stream.Close()
			return err
		}
		v.Load(hist)
		runErr := v.Run(ctx, stream.C)
		_ = stream.Close()
		if runErr != nil {
			return runErr
		}
		if !errors.Is(stream.Err(), ErrResync) {
			return stream.Err()
		}
	}
}
