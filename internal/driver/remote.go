package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/wa-deck/internal/logging"
)

var driverLog = logging.ForComponent(logging.CompDriver)

const writeWait = 10 * time.Second

type rpcRequest struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Remote is a Handle backed by a websocket connection to an automation
// endpoint. Each command is a JSON request frame answered by a response
// frame carrying the same id.
type Remote struct {
	clientID    string
	callTimeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan rpcResponse
	nextID  atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// RemoteFactory is a Factory that dials opts.Endpoint.
func RemoteFactory(ctx context.Context, opts Options) (Handle, error) {
	return Dial(ctx, opts)
}

// Dial connects to the automation endpoint for one client. The client id and
// profile directory travel as query parameters.
func Dial(ctx context.Context, opts Options) (*Remote, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadEndpoint, opts.Endpoint)
	}
	q := u.Query()
	q.Set("client", opts.ClientID)
	q.Set("profile", opts.WorkDir)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("driver: dial %s: %w", u.Host, err)
	}

	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	r := &Remote{
		clientID:    opts.ClientID,
		callTimeout: timeout,
		conn:        conn,
		pending:     make(map[uint64]chan rpcResponse),
		closed:      make(chan struct{}),
	}
	go r.readLoop()

	driverLog.Debug("driver_connected", slog.String("client_id", opts.ClientID), slog.String("endpoint", u.Host))
	return r, nil
}

func (r *Remote) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				driverLog.Warn("driver_connection_lost",
					slog.String("client_id", r.clientID),
					slog.String("error", err.Error()))
			}
			r.fail(err)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			driverLog.Warn("driver_bad_frame", slog.String("client_id", r.clientID), slog.String("error", err.Error()))
			continue
		}

		r.mu.Lock()
		ch, ok := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// fail marks the connection dead. Pending and future calls return ErrClosed.
func (r *Remote) fail(err error) {
	r.closeOnce.Do(func() {
		r.closeErr = err
		close(r.closed)
		_ = r.conn.Close()
	})
}

// Connected reports whether the websocket is still open.
func (r *Remote) Connected() bool {
	select {
	case <-r.closed:
		return false
	default:
		return true
	}
}

func (r *Remote) call(ctx context.Context, method string, params, out any) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	id := r.nextID.Add(1)
	ch := make(chan rpcResponse, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	r.writeMu.Lock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := r.conn.WriteJSON(rpcRequest{ID: id, Method: method, Params: params})
	r.writeMu.Unlock()
	if err != nil {
		r.fail(err)
		return fmt.Errorf("driver: %s: %w", method, ErrClosed)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("driver: %s: decode result: %w", method, err)
			}
		}
		return nil
	case <-r.closed:
		return fmt.Errorf("driver: %s: %w", method, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("driver: %s: %w", method, ctx.Err())
	}
}

// Status asks the endpoint for the login state.
func (r *Remote) Status(ctx context.Context) Status {
	var name string
	if err := r.call(ctx, "status", nil, &name); err != nil {
		return StatusUnknown
	}
	return ParseStatus(name)
}

func (r *Remote) FetchUnread(ctx context.Context) ([]EventGroup, error) {
	var groups []EventGroup
	err := r.call(ctx, "unread", nil, &groups)
	return groups, err
}

func (r *Remote) MarkSeen(ctx context.Context, chatID string) error {
	return r.call(ctx, "mark_seen", map[string]string{"chat_id": chatID}, nil)
}

func (r *Remote) SendText(ctx context.Context, chatID, text string) (SendResult, error) {
	var res SendResult
	err := r.call(ctx, "send_text", map[string]string{"chat_id": chatID, "text": text}, &res)
	return res, err
}

// SendMedia uploads the file at path inline, base64 encoded.
func (r *Remote) SendMedia(ctx context.Context, chatID, path, caption string) (SendResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SendResult{}, fmt.Errorf("driver: send_media: %w", err)
	}
	var res SendResult
	err = r.call(ctx, "send_media", map[string]string{
		"chat_id":  chatID,
		"filename": filepath.Base(path),
		"caption":  caption,
		"data":     base64.StdEncoding.EncodeToString(data),
	}, &res)
	return res, err
}

func (r *Remote) Screenshot(ctx context.Context) ([]byte, error) {
	return r.pngCall(ctx, "screenshot")
}

func (r *Remote) QRCode(ctx context.Context) ([]byte, error) {
	return r.pngCall(ctx, "qr")
}

func (r *Remote) pngCall(ctx context.Context, method string) ([]byte, error) {
	var encoded string
	if err := r.call(ctx, method, nil, &encoded); err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("driver: %s: decode image: %w", method, err)
	}
	return png, nil
}

func (r *Remote) QRPlain(ctx context.Context) (string, error) {
	var qr string
	err := r.call(ctx, "qr_plain", nil, &qr)
	return qr, err
}

func (r *Remote) OpenHere(ctx context.Context) error {
	return r.call(ctx, "open_here", nil, nil)
}

func (r *Remote) Chats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	err := r.call(ctx, "chats", nil, &chats)
	return chats, err
}

func (r *Remote) ChatByPhone(ctx context.Context, number string, create bool) (Chat, error) {
	var chat Chat
	err := r.call(ctx, "chat_by_phone", map[string]any{"number": number, "create": create}, &chat)
	return chat, err
}

func (r *Remote) Messages(ctx context.Context, chatID string, q MessageQuery) ([]Message, error) {
	var msgs []Message
	err := r.call(ctx, "messages", map[string]any{
		"chat_id":               chatID,
		"include_me":            q.IncludeMe,
		"include_notifications": q.IncludeNotifications,
	}, &msgs)
	return msgs, err
}

// Shutdown asks the endpoint to quit the session and closes the connection.
// A connection that is already gone is not an error.
func (r *Remote) Shutdown(ctx context.Context) error {
	err := r.call(ctx, "quit", nil, nil)
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()

	r.fail(ErrClosed)
	return err
}
