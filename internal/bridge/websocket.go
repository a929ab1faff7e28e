package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/config"
)

// DefaultCallTimeout bounds a round trip when the caller's context has
// no deadline. Junk scans over a large home directory can take minutes.
const DefaultCallTimeout = 5 * time.Minute

// WSClient talks to the host process over a websocket. Requests carry
// an id; the read loop routes each result frame to the waiting caller.
type WSClient struct {
	url         string
	token       string
	callTimeout time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex
	msgID  atomic.Int64

	pending   map[int64]chan frame
	pendingMu sync.Mutex

	logger *slog.Logger
}

// frame is the wire format in both directions.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Command string          `json:"command,omitempty"`
	Args    any             `json:"args,omitempty"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWSClient creates a client for the bridge described by cfg. Call
// Connect before issuing commands.
func NewWSClient(cfg config.BridgeConfig, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &WSClient{
		url:         cfg.URL,
		token:       cfg.Token,
		callTimeout: timeout,
		pending:     make(map[int64]chan frame),
		logger:      logger.With("component", "bridge"),
	}
}

// Connect dials the host and starts the read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   256 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dial bridge: host rejected token")
		}
		return fmt.Errorf("dial bridge: %w", err)
	}
	// Scan results list every item; large-file scans of a full disk are
	// several megabytes.
	conn.SetReadLimit(64 * 1024 * 1024)

	c.conn = conn
	go c.readLoop(conn)

	c.logger.Info("bridge connected", "url", c.url)
	return nil
}

// Reconnect drops the current connection, if any, and dials again.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Close closes the connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Ping checks that the host answers. Used as a connwatch probe.
func (c *WSClient) Ping(ctx context.Context) error {
	return c.call(ctx, CmdPing, nil, nil)
}

// ScanJunk implements [Bridge].
func (c *WSClient) ScanJunk(ctx context.Context) (*ScanResult, error) {
	var out ScanResult
	if err := c.call(ctx, CmdScanJunk, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CleanItems implements [Bridge].
func (c *WSClient) CleanItems(ctx context.Context, paths []string) (*CleanResult, error) {
	var out CleanResult
	if err := c.call(ctx, CmdCleanItems, map[string]any{"paths": paths}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScanMalware implements [Bridge].
func (c *WSClient) ScanMalware(ctx context.Context) (*MalwareResult, error) {
	var out MalwareResult
	if err := c.call(ctx, CmdScanMalware, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunSpeedTask implements [Bridge].
func (c *WSClient) RunSpeedTask(ctx context.Context, taskID string) (*SpeedTaskResult, error) {
	var out SpeedTaskResult
	if err := c.call(ctx, CmdRunSpeedTask, map[string]any{"taskId": taskID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScanLargeFiles implements [Bridge].
func (c *WSClient) ScanLargeFiles(ctx context.Context) (*ScanResult, error) {
	var out ScanResult
	if err := c.call(ctx, CmdScanLargeFiles, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScheduleTask implements [Bridge]. The host answers with the job id.
func (c *WSClient) ScheduleTask(ctx context.Context, cron, taskType string) (string, error) {
	var id string
	if err := c.call(ctx, CmdScheduleTask, map[string]any{"cron": cron, "taskType": taskType}, &id); err != nil {
		return "", err
	}
	return id, nil
}

// ResetContext implements [Bridge].
func (c *WSClient) ResetContext(ctx context.Context) (*ContextStore, error) {
	var out ContextStore
	if err := c.call(ctx, CmdResetContext, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SystemStats implements [Bridge].
func (c *WSClient) SystemStats(ctx context.Context) (*SystemStats, error) {
	var out SystemStats
	if err := c.call(ctx, CmdSystemStats, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScanApps implements [Bridge].
func (c *WSClient) ScanApps(ctx context.Context) ([]AppInfo, error) {
	var out []AppInfo
	if err := c.call(ctx, CmdScanApps, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScanOutdatedApps implements [Bridge].
func (c *WSClient) ScanOutdatedApps(ctx context.Context) ([]OutdatedApp, error) {
	var out []OutdatedApp
	if err := c.call(ctx, CmdScanOutdatedApps, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScanSpaceLens implements [Bridge]. The host scans the home directory
// a few levels deep.
func (c *WSClient) ScanSpaceLens(ctx context.Context) (*FileNode, error) {
	var out FileNode
	if err := c.call(ctx, CmdScanSpaceLens, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScanExtensions implements [Bridge].
func (c *WSClient) ScanExtensions(ctx context.Context) ([]ExtensionItem, error) {
	var out []ExtensionItem
	if err := c.call(ctx, CmdScanExtensions, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScanMail implements [Bridge].
func (c *WSClient) ScanMail(ctx context.Context) ([]MailAttachment, error) {
	var out []MailAttachment
	if err := c.call(ctx, CmdScanMail, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// call sends one command and decodes its result into out (which may be
// nil when the result is irrelevant).
func (c *WSClient) call(ctx context.Context, command string, args any, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := c.msgID.Add(1)
	respCh := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := frame{ID: id, Type: "call", Command: command, Args: args}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return ErrNotConnected
	}
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "bridge call sent", "id", id, "command", command)

	select {
	case resp := <-respCh:
		if resp.Type == "closed" {
			return fmt.Errorf("%s: %w", command, ErrNotConnected)
		}
		if !resp.Success {
			ce := &CallError{Command: command, Message: "request failed"}
			if resp.Error != nil {
				ce.Code = resp.Error.Code
				ce.Message = resp.Error.Message
			}
			return ce
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", command, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", command, ctx.Err())
	}
}

// readLoop routes result frames until the connection fails. Pending
// callers are released when the connection dies (but not when it was
// replaced by Reconnect) so nobody waits out a timeout.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		var msg frame
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("bridge closed")
			} else {
				c.logger.Warn("bridge read failed, connection lost", "error", err)
			}
			c.connMu.Lock()
			replaced := c.conn != nil && c.conn != conn
			if c.conn == conn {
				c.conn = nil
			}
			c.connMu.Unlock()
			if !replaced {
				c.failPending()
			}
			return
		}

		switch msg.Type {
		case "result":
			// A duplicate result for the same id is dropped.
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("dropping duplicate bridge result", "id", msg.ID)
				}
			}
			c.pendingMu.Unlock()
		case "event":
			c.logger.Debug("bridge event ignored", "command", msg.Command)
		default:
			c.logger.Debug("unhandled bridge frame", "type", msg.Type)
		}
	}
}

func (c *WSClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pending {
		select {
		case ch <- frame{Type: "closed"}:
		default:
		}
	}
}
