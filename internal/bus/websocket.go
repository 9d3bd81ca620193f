package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quest/internal/domain"
)

const (
	wsPath         = "/bus"
	wsWriteTimeout = 5 * time.Second
)

// Dial connects to a hub as context name.
func Dial(ctx context.Context, hubURL string, name domain.ContextName) (Conn, error) {
	endpoint, err := buildBusURL(hubURL, name)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to background hub: %w", err)
	}
	return newWSConn(conn), nil
}

// ServeHTTP upgrades /bus?context=<name> requests and attaches them to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := domain.ContextName(strings.TrimSpace(r.URL.Query().Get("context")))
	if name == "" || name == h.self {
		http.Error(w, "context query parameter is required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	if err := h.Attach(r.Context(), name, newWSConn(conn)); err != nil {
		h.log.Debug("context connection ended", "context", string(name), "error", err)
	}
}

// Handler returns an http.Handler serving the hub on its websocket path.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(wsPath, h)
	return mux
}

type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if isClosedErr(err) {
			return ErrClosed
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() (Envelope, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if isClosedErr(err) {
				return Envelope{}, ErrClosed
			}
			return Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}

func buildBusURL(hubURL string, name domain.ContextName) (string, error) {
	base := strings.TrimSpace(hubURL)
	if base == "" {
		return "", errors.New("hub url is required")
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, wsPath) {
		base += wsPath
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid hub url scheme %q", parsed.Scheme)
	}

	query := parsed.Query()
	query.Set("context", string(name))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
