package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AuralisLabs/CastKit/telemetry"
)

// Auth header names expected by the provider handshake.
const (
	HeaderAppID       = "X-Api-App-Id"
	HeaderAccessToken = "X-Api-Access-Token"
	HeaderConnectID   = "X-Api-Connect-Id"
	HeaderSignature   = "X-Api-Signature"
)

const writeTimeout = 10 * time.Second

// Sign computes the handshake signature: hex HMAC-SHA256 over
// "app_id:connect_id" keyed with the access token.
func Sign(appID, accessToken, connectID string) string {
	mac := hmac.New(sha256.New, []byte(accessToken))
	mac.Write([]byte(appID + ":" + connectID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a handshake signature in constant time. Servers
// (and test doubles) use this to authenticate dials.
func VerifySignature(appID, accessToken, connectID, signature string) bool {
	want := Sign(appID, accessToken, connectID)
	return hmac.Equal([]byte(want), []byte(signature))
}

type connConfig struct {
	endpoint       string
	appID          string
	accessToken    string
	connectTimeout time.Duration
	idleTimeout    time.Duration
}

// conn wraps a WebSocket connection with frame-level reads and writes.
// Writes are serialized; reads happen from a single goroutine per session.
type conn struct {
	ws        *websocket.Conn
	idle      time.Duration
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// dial opens an authenticated connection. httpStatus is the handshake
// response status when the server rejected the upgrade, zero otherwise.
func dial(ctx context.Context, cfg connConfig) (c *conn, connectID string, httpStatus int, err error) {
	connectID = uuid.NewString()

	header := http.Header{}
	header.Set(HeaderAppID, cfg.appID)
	header.Set(HeaderAccessToken, cfg.accessToken)
	header.Set(HeaderConnectID, connectID)
	header.Set(HeaderSignature, Sign(cfg.appID, cfg.accessToken, connectID))
	telemetry.InjectTraceHeaders(ctx, header)

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.connectTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, connectID, status, fmt.Errorf("dial %s: %w", cfg.endpoint, err)
	}
	return &conn{ws: ws, idle: cfg.idleTimeout}, connectID, 0, nil
}

func (c *conn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, EncodeFrame(f))
}

// readFrame blocks until the next binary message, bounded by the idle
// timeout. Control frames are handled by the transport.
func (c *conn) readFrame() (Frame, error) {
	if c.idle > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idle))
	}
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	if mt != websocket.BinaryMessage {
		return Frame{}, fmt.Errorf("unexpected message type %d", mt)
	}
	return DecodeFrame(data)
}

// close sends a best-effort close frame and tears down the transport. Safe
// to call multiple times and from concurrent goroutines.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
