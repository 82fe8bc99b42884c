package alpaca

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/tradelib/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// UpdateHandler receives normalized order updates from the account stream.
// clientOrderID is the instruction idempotency key the order was submitted with.
type UpdateHandler func(clientOrderID string, result *domain.OrderResult)

// streamEnvelope is the outer frame of every account stream message
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeUpdate is the payload of a trade_updates message
type tradeUpdate struct {
	Event     string       `json:"event"`
	Price     string       `json:"price"`
	Qty       string       `json:"qty"`
	Timestamp string       `json:"timestamp"`
	Order     orderPayload `json:"order"`
}

// authResult is the payload of an authorization message
type authResult struct {
	Action string `json:"action"`
	Status string `json:"status"`
}

// Stream subscribes to Alpaca's account WebSocket and feeds trade_updates
// events to a handler. Order fills arrive here faster than polling finds
// them; the dispatcher uses both.
type Stream struct {
	url        string
	key        string
	secret     string
	handler    UpdateHandler
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex
	log        zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// The WebSocket upgrade handshake requires HTTP/1.1, but TLS ALPN would
// otherwise negotiate HTTP/2.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewStream creates an account stream client for the configured endpoint.
// The stream URL is derived from the REST base URL (https -> wss, /stream path).
func NewStream(cfg Config, handler UpdateHandler, log zerolog.Logger) *Stream {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Paper {
			baseURL = paperBaseURL
		} else {
			baseURL = liveBaseURL
		}
	}
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	return &Stream{
		url:        wsURL + "/stream",
		key:        cfg.APIKey,
		secret:     cfg.APISecret,
		handler:    handler,
		httpClient: createHTTP1Client(),
		log:        log.With().Str("component", "alpaca_stream").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start connects and begins reading trade updates. A failed initial connection
// falls back to the reconnect loop instead of failing hard.
func (s *Stream) Start() error {
	s.log.Info().Str("url", s.url).Msg("Starting account stream")

	if err := s.Connect(); err != nil {
		s.log.Warn().Err(err).Msg("Initial stream connection failed, will retry in background")
		go s.reconnectLoop()
		return err
	}

	s.mu.RLock()
	ctx := s.connCtx
	s.mu.RUnlock()
	go s.readMessages(ctx)

	return nil
}

// Stop shuts the stream down and prevents reconnection.
func (s *Stream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.log.Info().Msg("Stopping account stream")
	close(s.stopChan)
	return s.Disconnect()
}

// IsConnected reports whether the stream currently holds an authorized connection.
func (s *Stream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Connect dials the account stream, authenticates, and subscribes to
// trade_updates.
func (s *Stream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial account stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true

	if err := s.authenticate(connCtx); err != nil {
		s.teardownLocked("authentication failed")
		return fmt.Errorf("failed to authenticate stream: %w", err)
	}
	if err := s.listen(connCtx); err != nil {
		s.teardownLocked("listen failed")
		return fmt.Errorf("failed to subscribe to trade updates: %w", err)
	}

	s.log.Info().Msg("Account stream connected")
	return nil
}

// teardownLocked resets connection state. Caller must hold s.mu.
func (s *Stream) teardownLocked(reason string) {
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, reason)
		s.conn = nil
	}
	s.connCtx = nil
	s.connected = false
}

// Disconnect closes the connection.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	s.connCtx = nil
	s.connected = false

	if err != nil {
		return fmt.Errorf("error closing stream: %w", err)
	}
	return nil
}

// authenticate performs the auth handshake and waits for the authorized reply
func (s *Stream) authenticate(ctx context.Context) error {
	authMsg := map[string]string{
		"action": "auth",
		"key":    s.key,
		"secret": s.secret,
	}
	if err := s.writeJSON(ctx, authMsg); err != nil {
		return err
	}

	envelope, err := s.readEnvelope(ctx)
	if err != nil {
		return err
	}
	if envelope.Stream != "authorization" {
		return fmt.Errorf("expected authorization reply, got %q", envelope.Stream)
	}

	var result authResult
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		return fmt.Errorf("failed to parse authorization reply: %w", err)
	}
	if result.Status != "authorized" {
		return fmt.Errorf("stream authorization failed: status %q", result.Status)
	}
	return nil
}

// listen subscribes to the trade_updates stream
func (s *Stream) listen(ctx context.Context) error {
	listenMsg := map[string]interface{}{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	return s.writeJSON(ctx, listenMsg)
}

func (s *Stream) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal stream message: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write stream message: %w", err)
	}
	return nil
}

// readEnvelope reads one frame. Alpaca sends JSON in both text and binary
// frames, so frame type is not checked.
func (s *Stream) readEnvelope(ctx context.Context) (*streamEnvelope, error) {
	readCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	_, message, err := s.conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream frame: %w", err)
	}
	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse stream frame: %w", err)
	}
	return &envelope, nil
}

// readMessages continuously reads frames until the connection drops or the
// stream is stopped.
func (s *Stream) readMessages(ctx context.Context) {
	defer func() {
		s.log.Info().Msg("Stream read loop stopped")
		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Int("status", int(closeStatus)).Msg("Stream closed normally")
			} else if ctx.Err() != nil {
				s.log.Debug().Msg("Stream read cancelled by context")
			} else {
				s.log.Error().Err(err).Msg("Unexpected stream read error")
			}
			return
		}

		if err := s.handleMessage(message); err != nil {
			s.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle stream message")
		}
	}
}

// handleMessage dispatches one stream frame
func (s *Stream) handleMessage(message []byte) error {
	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return fmt.Errorf("failed to parse stream frame: %w", err)
	}

	switch envelope.Stream {
	case "trade_updates":
		return s.handleTradeUpdate(envelope.Data)
	case "authorization", "listening":
		s.log.Debug().Str("stream", envelope.Stream).Msg("Stream control message")
		return nil
	default:
		s.log.Debug().Str("stream", envelope.Stream).Msg("Ignoring unknown stream message")
		return nil
	}
}

// handleTradeUpdate normalizes one trade_updates event and invokes the handler
func (s *Stream) handleTradeUpdate(data json.RawMessage) error {
	var update tradeUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("failed to parse trade update: %w", err)
	}

	result, err := toOrderResult(&update.Order)
	if err != nil {
		return fmt.Errorf("failed to convert trade update: %w", err)
	}

	s.log.Debug().
		Str("event", update.Event).
		Str("order_id", result.BackendOrderID).
		Str("status", string(result.Status)).
		Msg("Trade update received")

	if s.handler != nil {
		s.handler(update.Order.ClientOrderID, result)
	}
	return nil
}

// reconnectLoop retries the connection with exponential backoff
func (s *Stream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		stopped := s.stopped
		s.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)
		if attempt <= maxReconnectAttempts {
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Attempting stream reconnect")
		} else {
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Stream reconnect attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.Connect(); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Stream reconnect failed")
			continue
		}

		s.log.Info().Int("attempt", attempt).Msg("Stream reconnected")
		attempt = 0

		s.mu.RLock()
		ctx := s.connCtx
		s.mu.RUnlock()
		go s.readMessages(ctx)
		return
	}
}

// calculateBackoff returns the delay before reconnect attempt n, capped at
// maxReconnectDelay.
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		return maxReconnectDelay
	}
	return time.Duration(delay)
}
