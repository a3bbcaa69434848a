// Package worker implements the control channel to a remote render worker.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Channel is the set of operations the control plane invokes on a worker.
type Channel interface {
	Connect(ctx context.Context, ip string, port int, endpoint string) error
	Disconnect() error

	SetSession(ctx context.Context, sessionGuid string) error
	SetWorkspace(ctx context.Context, workspace *models.Workspace) error

	OpenScene(ctx context.Context, filename string, workspace *models.Workspace) error
	ResetScene(ctx context.Context) error
	SaveScene(ctx context.Context, filename string, workspace *models.Workspace) error
	DumpScene(ctx context.Context, path string) error
	ExitApp(ctx context.Context) error

	RenderScene(ctx context.Context, camera json.RawMessage, width, height int, outputPath string, alpha bool, settings map[string]any) error
	ConvertFile(ctx context.Context, inputURL, inputPath, outputPath string, settings map[string]any) error
}

type request struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
}

type response struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Client speaks JSON commands over a websocket. One command is outstanding at
// a time; concurrent callers queue on the channel mutex. A transport error
// closes the connection, after which Connected reports false.
type Client struct {
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	addr string

	connected atomic.Bool
}

var _ Channel = (*Client)(nil)

func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

func (c *Client) Connect(ctx context.Context, ip string, port int, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.Errorf("already connected to %s", c.addr)
	}

	addr := fmt.Sprintf("ws://%s:%d%s", ip, port, endpoint)
	conn, _, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	c.conn = conn
	c.addr = addr
	c.connected.Store(true)
	c.logger.Info("connected to worker", zap.String("addr", addr))
	return nil
}

// Disconnect closes the connection. Disconnecting an unconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	c.connected.Store(false)
	c.logger.Info("disconnected from worker", zap.String("addr", c.addr))
	return errors.Wrap(err, "close connection")
}

// Connected reports whether the client holds a usable connection. It does
// not wait for a command in progress.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// dropLocked abandons a connection whose stream state is unknown.
func (c *Client) dropLocked(action string, cause error) {
	_ = c.conn.Close()
	c.conn = nil
	c.connected.Store(false)
	c.logger.Warn("dropped worker connection",
		zap.String("addr", c.addr),
		zap.String("action", action),
		zap.Error(cause))
}

func (c *Client) call(ctx context.Context, action string, args map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.Errorf("%s: not connected", action)
	}

	conn := c.conn
	req := request{ID: uuid.New().String(), Action: action, Args: args}
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	// Unblock the read below when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		c.dropLocked(action, err)
		return errors.Wrapf(err, "%s: send command", action)
	}

	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.dropLocked(action, err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Wrapf(ctxErr, "%s: waiting for worker", action)
			}
			return errors.Wrapf(err, "%s: read response", action)
		}
		if resp.ID != req.ID {
			c.logger.Warn("dropping stale worker response",
				zap.String("action", action),
				zap.String("response-id", resp.ID))
			continue
		}
		if !resp.OK {
			return errors.Errorf("%s: %s", action, resp.Error)
		}
		return nil
	}
}

func (c *Client) SetSession(ctx context.Context, sessionGuid string) error {
	return c.call(ctx, "setSession", map[string]any{"sessionGuid": sessionGuid})
}

func (c *Client) SetWorkspace(ctx context.Context, workspace *models.Workspace) error {
	return c.call(ctx, "setWorkspace", map[string]any{"workspace": workspace})
}

func (c *Client) OpenScene(ctx context.Context, filename string, workspace *models.Workspace) error {
	return c.call(ctx, "openScene", map[string]any{"filename": filename, "workspace": workspace})
}

func (c *Client) ResetScene(ctx context.Context) error {
	return c.call(ctx, "resetScene", nil)
}

func (c *Client) SaveScene(ctx context.Context, filename string, workspace *models.Workspace) error {
	return c.call(ctx, "saveScene", map[string]any{"filename": filename, "workspace": workspace})
}

func (c *Client) DumpScene(ctx context.Context, path string) error {
	return c.call(ctx, "dumpScene", map[string]any{"path": path})
}

func (c *Client) ExitApp(ctx context.Context) error {
	return c.call(ctx, "exitApp", nil)
}

func (c *Client) RenderScene(ctx context.Context, camera json.RawMessage, width, height int, outputPath string, alpha bool, settings map[string]any) error {
	return c.call(ctx, "renderScene", map[string]any{
		"camera":     camera,
		"size":       []int{width, height},
		"outputPath": outputPath,
		"alpha":      alpha,
		"settings":   settings,
	})
}

func (c *Client) ConvertFile(ctx context.Context, inputURL, inputPath, outputPath string, settings map[string]any) error {
	return c.call(ctx, "convertFile", map[string]any{
		"inputUrl":   inputURL,
		"inputPath":  inputPath,
		"outputPath": outputPath,
		"settings":   settings,
	})
}
