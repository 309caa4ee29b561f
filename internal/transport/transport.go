// Package transport maintains the single WebSocket connection a charge
// point keeps open to its CSMS: dialing, subprotocol negotiation, the
// read/write/ping pumps, and reconnection with exponential backoff.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruslanhut/ocpp-sim/internal/clock"
	"github.com/ruslanhut/ocpp-sim/internal/eventbus"
)

// offeredSubprotocols is the subprotocol list offered on every dial, in
// order of preference.
var offeredSubprotocols = []string{"ocpp1.6", "ocpp1.5"}

// State is the lifecycle state of the transport.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateReconnecting State = "Reconnecting"
	StateClosed       State = "Closed"
)

// Config configures a Client. Zero-valued durations fall back to the
// defaults below, which match what an OCPP 1.6J back office expects from a
// well-behaved charge point: a 1s initial reconnect delay doubling up to a
// 30s ceiling.
type Config struct {
	URL             string
	ChargePointID   string
	ProtocolVersion string // "1.6"
	Subprotocol     string // derived from ProtocolVersion if empty

	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration

	MaxReconnectAttempts int // 0 means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	BasicAuthUsername string
	BasicAuthPassword string
	BearerToken       string

	TLSEnabled    bool
	TLSSkipVerify bool
	TLSCACert     string
	TLSClientCert string
	TLSClientKey  string

	// OnMessage is invoked from the read pump for every text frame.
	OnMessage func(data []byte)
}

func (c *Config) applyDefaults() {
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.Subprotocol == "" {
		c.Subprotocol = subprotocolFor(c.ProtocolVersion)
	}
}

// Stats reports point-in-time connection counters.
type Stats struct {
	State             State
	ConnectedAt       *time.Time
	DisconnectedAt    *time.Time
	LastMessageAt     *time.Time
	ReconnectAttempts int
	MessagesSent      int64
	MessagesReceived  int64
	BytesSent         int64
	BytesReceived     int64
	LastError         string
}

// Client is a single charge-point-to-CSMS WebSocket connection with
// automatic reconnection.
type Client struct {
	config Config
	logger *slog.Logger
	bus    *eventbus.Bus
	clk    clock.Clock

	conn           *websocket.Conn
	state          State
	stateMu        sync.RWMutex
	reconnectCount int
	connectedAt    *time.Time
	disconnectedAt *time.Time
	lastMessageAt  *time.Time

	statsMu          sync.RWMutex
	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
	lastError        string

	ctx       context.Context
	cancel    context.CancelFunc
	sendQueue chan []byte
	closeOnce sync.Once
}

// New constructs a Client. The returned Client does not dial until Connect
// is called.
func New(config Config, logger *slog.Logger, bus *eventbus.Bus, clk clock.Clock) *Client {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:    config,
		logger:    logger,
		bus:       bus,
		clk:       clk,
		state:     StateDisconnected,
		ctx:       ctx,
		cancel:    cancel,
		sendQueue: make(chan []byte, 100),
	}
}

// Connect dials the CSMS and, on success, starts the read/write/ping pumps.
// Connecting an already-connected client is a no-op beyond a warning; the
// client never owns two sockets at once.
func (c *Client) Connect() error {
	if c.GetState() == StateConnected {
		c.logger.Warn("already connected", "charge_point_id", c.config.ChargePointID)
		return nil
	}

	select {
	case <-c.ctx.Done():
		// A previous Disconnect closed this client; start a fresh session
		// so the pumps and send queue are not poisoned by the old cancel.
		c.ctx, c.cancel = context.WithCancel(context.Background())
		c.closeOnce = sync.Once{}
		c.sendQueue = make(chan []byte, 100)
	default:
	}

	c.setState(StateConnecting)

	c.logger.Info("connecting to CSMS",
		"charge_point_id", c.config.ChargePointID,
		"url", c.config.URL,
		"subprotocol", c.config.Subprotocol,
	)

	dialURL := c.config.URL
	headers := http.Header{}
	switch {
	case c.config.BasicAuthUsername != "":
		if parsed, err := url.Parse(c.config.URL); err == nil {
			parsed.User = url.UserPassword(c.config.BasicAuthUsername, c.config.BasicAuthPassword)
			dialURL = parsed.String()
		}
	case c.config.BearerToken != "":
		headers.Set("Authorization", "Bearer "+c.config.BearerToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.ConnectionTimeout,
		Subprotocols:     offeredSubprotocols,
	}

	if c.config.TLSEnabled {
		tlsConfig, err := c.createTLSConfig()
		if err != nil {
			c.setError(fmt.Errorf("build tls config: %w", err))
			c.setState(StateDisconnected)
			return err
		}
		dialer.TLSClientConfig = tlsConfig
	}

	conn, resp, err := dialer.Dial(dialURL, headers)
	if err != nil {
		c.setError(fmt.Errorf("dial: %w", err))
		c.setState(StateDisconnected)
		return err
	}
	defer resp.Body.Close()

	c.conn = conn
	now := c.clk.Now()
	c.connectedAt = &now
	c.reconnectCount = 0
	c.setState(StateConnected)

	c.logger.Info("connected to CSMS",
		"charge_point_id", c.config.ChargePointID,
		"subprotocol", conn.Subprotocol(),
	)
	c.publish("transport.connected", nil)

	go c.readPump(c.ctx, conn)
	go c.writePump(c.ctx, conn, c.sendQueue)

	return nil
}

// Disconnect closes the connection intentionally; no reconnect follows.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		c.logger.Info("disconnecting from CSMS", "charge_point_id", c.config.ChargePointID)
		c.cancel()

		if c.conn != nil {
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn.Close()
		}

		now := c.clk.Now()
		c.disconnectedAt = &now
		c.setState(StateClosed)
		c.publish("transport.disconnected", map[string]interface{}{"intentional": true})
	})
	return nil
}

// Send enqueues a text frame. It blocks briefly if the send queue is full
// and returns an error if the connection is not established or closed
// first.
func (c *Client) Send(data []byte) error {
	if c.GetState() != StateConnected {
		return fmt.Errorf("transport: not connected")
	}
	select {
	case c.sendQueue <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("transport: closed")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("transport: send queue full")
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			c.handleDisconnect(err)
			return
		}

		c.statsMu.Lock()
		c.messagesReceived++
		c.bytesReceived += int64(len(message))
		now := c.clk.Now()
		c.lastMessageAt = &now
		c.statsMu.Unlock()

		switch messageType {
		case websocket.TextMessage:
			if c.config.OnMessage != nil {
				c.config.OnMessage(message)
			}
		case websocket.BinaryMessage:
			c.logger.Warn("received unexpected binary message", "charge_point_id", c.config.ChargePointID)
		case websocket.CloseMessage:
			c.handleDisconnect(nil)
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, queue <-chan []byte) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-queue:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("failed to write message", "error", err)
				c.handleDisconnect(err)
				return
			}
			c.statsMu.Lock()
			c.messagesSent++
			c.bytesSent += int64(len(data))
			c.statsMu.Unlock()

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("failed to send ping", "error", err)
				c.handleDisconnect(err)
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return
	}
	c.stateMu.Unlock()

	now := c.clk.Now()
	c.disconnectedAt = &now
	c.setState(StateDisconnected)

	closeCode := closeCodeOf(err)
	errMsg := ""
	if err != nil && closeSetsError(closeCode) {
		c.setError(err)
		errMsg = err.Error()
		c.logger.Warn("connection disconnected", "charge_point_id", c.config.ChargePointID, "error", err, "close_code", closeCode)
	} else if err != nil {
		c.logger.Info("connection disconnected without status code", "charge_point_id", c.config.ChargePointID, "error", err)
	} else {
		c.logger.Info("connection disconnected", "charge_point_id", c.config.ChargePointID)
	}
	c.publish("transport.disconnected", map[string]interface{}{
		"intentional": false,
		"error":       errMsg,
		"closeCode":   closeCode,
	})

	select {
	case <-c.ctx.Done():
		// Disconnect() cancelled the context: this is expected, not a drop.
		c.setState(StateClosed)
		return
	default:
	}

	if c.config.MaxReconnectAttempts == 0 || c.reconnectCount < c.config.MaxReconnectAttempts {
		c.reconnect()
	} else {
		c.logger.Error("max reconnect attempts reached", "charge_point_id", c.config.ChargePointID)
		c.publish("transport.reconnectExhausted", nil)
	}
}

// reconnect schedules the next dial attempt on the Client's Clock rather
// than blocking a goroutine on real time, so reconnect timing is
// deterministic under a fake clock in tests.
func (c *Client) reconnect() {
	c.setState(StateReconnecting)
	c.reconnectCount++

	backoff := c.config.ReconnectBaseDelay * time.Duration(1<<uint(c.reconnectCount-1))
	if backoff > c.config.ReconnectMaxDelay {
		backoff = c.config.ReconnectMaxDelay
	}

	c.logger.Info("attempting to reconnect",
		"charge_point_id", c.config.ChargePointID,
		"attempt", c.reconnectCount,
		"backoff", backoff,
	)
	c.publish("transport.reconnecting", map[string]interface{}{"attempt": c.reconnectCount, "backoff": backoff})

	c.clk.AfterFunc(backoff, func() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if err := c.Connect(); err != nil {
			c.logger.Error("reconnection failed", "charge_point_id", c.config.ChargePointID, "error", err)
			if c.config.MaxReconnectAttempts == 0 || c.reconnectCount < c.config.MaxReconnectAttempts {
				c.reconnect()
			} else {
				c.publish("transport.reconnectExhausted", nil)
			}
		}
	})
}

func (c *Client) publish(subject string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["chargePointId"] = c.config.ChargePointID
	c.bus.Publish(eventbus.Event{Subject: subject, Data: data})
}

// GetState returns the current connection state.
func (c *Client) GetState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

// Stats returns a snapshot of connection counters.
func (c *Client) Stats() Stats {
	c.statsMu.RLock()
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	defer c.statsMu.RUnlock()

	return Stats{
		State:             c.state,
		ConnectedAt:       c.connectedAt,
		DisconnectedAt:    c.disconnectedAt,
		LastMessageAt:     c.lastMessageAt,
		ReconnectAttempts: c.reconnectCount,
		MessagesSent:      c.messagesSent,
		MessagesReceived:  c.messagesReceived,
		BytesSent:         c.bytesSent,
		BytesReceived:     c.bytesReceived,
		LastError:         c.lastError,
	}
}

// closeCodeOf extracts the WebSocket close code from err, or 0 if err
// carries none (a plain I/O error, a timeout, or nil).
func closeCodeOf(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}

// closeSetsError: a close code of 1005 (no status received) does not count
// as a connection error, but any other non-clean close code does. An err
// with no recognizable close code (a read timeout, a dial failure) always
// counts as an error.
func closeSetsError(closeCode int) bool {
	return closeCode != websocket.CloseNoStatusReceived
}

func (c *Client) setError(err error) {
	c.statsMu.Lock()
	if err != nil {
		c.lastError = err.Error()
	}
	c.statsMu.Unlock()
}

func (c *Client) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: c.config.TLSSkipVerify}

	if c.config.TLSCACert != "" {
		caCert, err := os.ReadFile(c.config.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("append CA cert")
		}
		tlsConfig.RootCAs = pool
	}

	if c.config.TLSClientCert != "" && c.config.TLSClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.config.TLSClientCert, c.config.TLSClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func subprotocolFor(version string) string {
	switch version {
	case "1.6":
		return "ocpp1.6"
	default:
		return "ocpp1.6"
	}
}
