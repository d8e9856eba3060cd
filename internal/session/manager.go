package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/driftline/fishcourier/internal/flags"
	"github.com/driftline/fishcourier/internal/orderstore"
	"github.com/driftline/fishcourier/internal/wire"
)

// Phase is the connection lifecycle state.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseRegistering  Phase = "registering"
	PhaseActive       Phase = "active"
	PhaseClosing      Phase = "closing"
	PhaseReconnecting Phase = "reconnecting"
)

var (
	ErrSocketClosed = errors.New("socket not open")
	ErrNotReady     = errors.New("session not ready")

	// errEnvironment marks failures that reconnecting cannot fix:
	// missing transport, disabled feature flag, missing credentials.
	errEnvironment = errors.New("environment not ready")
)

const (
	defaultHeartbeatInterval   = 15 * time.Second
	defaultSyncPollInterval    = 60 * time.Second
	defaultMessagePollInterval = 30 * time.Second
	defaultMessagePollLimit    = 20
	defaultReconnectDelay      = 5 * time.Second
	defaultRegisterDelay       = time.Second
	defaultMaxReconnects       = 16
)

type Logger interface {
	Printf(format string, args ...any)
}

// OrderStore is the slice of the order-store collaborator the session
// needs for connecting.
type OrderStore interface {
	GetConfig() (orderstore.Config, bool)
	RefreshLogin(ctx context.Context) (orderstore.LoginResult, error)
	ResolveDeviceID(ctx context.Context) (string, error)
}

type Options struct {
	Endpoint  string
	Origin    string
	UserAgent string
	AppKey    string

	Dialer Dialer
	Store  OrderStore
	Flags  flags.Provider
	Logger Logger

	// OnOrderEvent receives extracted order events. Invoked from its
	// own goroutine; the fulfillment pipeline dedups concurrent calls.
	OnOrderEvent func(event OrderEvent)

	HeartbeatInterval   time.Duration // 0 means default
	SyncPollInterval    time.Duration // 0 means default, negative disables
	MessagePollInterval time.Duration
	MessagePollLimit    int      // clamped to 1..50
	MessagePollChats    []string // empty disables message polling
	ReconnectDelay      time.Duration
	MaxReconnects       int
	RegisterDelay       time.Duration
	SyncCursorOverride  int64 // microseconds; 0 means wall clock
	LedgerCapacity      int
	DryRun              bool

	RawLogEnabled bool
	RawLogLimit   int // frames logged per connection
	RawLogMaxLen  int
}

// Status is the observable snapshot returned by State.
type Status struct {
	Phase             Phase     `json:"phase"`
	DryRun            bool      `json:"dryRun"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	FramesReceived    int64     `json:"framesReceived"`
	EventsExtracted   int64     `json:"eventsExtracted"`
	SendsPerformed    int64     `json:"sendsPerformed"`
	PendingRequests   int       `json:"pendingRequests"`
	SyncCursor        int64     `json:"syncCursor"`
	LastFrameAt       time.Time `json:"lastFrameAt,omitempty"`
	LastEventAt       time.Time `json:"lastEventAt,omitempty"`
}

// Manager owns the socket and drives the connect, register, sync, active
// lifecycle. One Manager runs at most one live session.
type Manager struct {
	opts   Options
	logger Logger
	ledger *pendingLedger
	polls  *pollState

	mu                sync.Mutex
	rng               *rand.Rand
	phase             Phase
	shouldRun         bool
	cancel            context.CancelFunc
	done              chan struct{}
	conn              Conn
	myID              string
	token             string
	deviceID          string
	syncCursor        int64
	reconnectAttempts int
	framesReceived    int64
	eventsExtracted   int64
	sendsPerformed    int64
	lastFrameAt       time.Time
	lastEventAt       time.Time
	rawLogged         int
	handler           func(event OrderEvent)
}

func New(opts Options) *Manager {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.AppKey == "" {
		opts.AppKey = DefaultAppKey
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.SyncPollInterval == 0 {
		opts.SyncPollInterval = defaultSyncPollInterval
	}
	if opts.MessagePollInterval <= 0 {
		opts.MessagePollInterval = defaultMessagePollInterval
	}
	if opts.MessagePollLimit < 1 || opts.MessagePollLimit > 50 {
		opts.MessagePollLimit = defaultMessagePollLimit
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}
	if opts.RegisterDelay <= 0 {
		opts.RegisterDelay = defaultRegisterDelay
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger,
		ledger:  newPendingLedger(opts.LedgerCapacity),
		polls:   newPollState(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		phase:   PhaseIdle,
		handler: opts.OnOrderEvent,
	}
}

// SetOrderEventHandler wires the event consumer. Must be called before
// Start.
func (m *Manager) SetOrderEventHandler(handler func(event OrderEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Start begins the session lifecycle. Idempotent: starting a running
// manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.shouldRun {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.shouldRun = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.reconnectAttempts = 0
	done := m.done
	m.mu.Unlock()
	go m.run(ctx, done)
}

// Stop halts timers, closes the socket, and waits for the run loop to
// exit. Safe to call from any state; a second Stop is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.shouldRun = false
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.setPhase(PhaseIdle)
}

func (m *Manager) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Phase:             m.phase,
		DryRun:            m.opts.DryRun,
		ReconnectAttempts: m.reconnectAttempts,
		FramesReceived:    m.framesReceived,
		EventsExtracted:   m.eventsExtracted,
		SendsPerformed:    m.sendsPerformed,
		PendingRequests:   m.ledger.Depth(),
		SyncCursor:        m.syncCursor,
		LastFrameAt:       m.lastFrameAt,
		LastEventAt:       m.lastEventAt,
	}
}

func (m *Manager) DryRun() bool {
	return m.opts.DryRun
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setPhase(PhaseIdle)
	for {
		if !m.running() {
			return
		}
		conn, err := m.connect(ctx)
		if err != nil {
			if errors.Is(err, errEnvironment) {
				m.logf("session cannot start: %v", err)
				m.markStopped()
				return
			}
			m.logf("connect failed: %v", err)
			if !m.waitReconnect(ctx) {
				return
			}
			continue
		}
		m.resetReconnects()
		serveErr := m.serve(ctx, conn)
		if serveErr != nil {
			m.logf("session closed: %v", serveErr)
		}
		if !m.running() || ctx.Err() != nil {
			return
		}
		if !m.waitReconnect(ctx) {
			return
		}
	}
}

// connect performs the environment checks and opens the socket:
// transport capability, feature flag, credentials, token refresh,
// device id, dial.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	m.setPhase(PhaseConnecting)

	if m.opts.Dialer == nil {
		return nil, fmt.Errorf("%w: no websocket transport available", errEnvironment)
	}
	if m.opts.Flags != nil {
		flagSet, err := m.opts.Flags.GetFlags()
		if err != nil {
			return nil, fmt.Errorf("%w: feature flags unavailable: %v", errEnvironment, err)
		}
		if !flags.IsEnabled(flagSet, flags.FlagChatSession) {
			return nil, fmt.Errorf("%w: chat session flag disabled", errEnvironment)
		}
	}
	cfg, ok := m.opts.Store.GetConfig()
	if !ok || cfg.Cookies == "" {
		return nil, fmt.Errorf("%w: no session cookies configured", errEnvironment)
	}
	if cfg.Banned {
		return nil, fmt.Errorf("%w: account is banned", errEnvironment)
	}
	myID := cookieValue(cfg.Cookies, "unb")
	if myID == "" {
		return nil, fmt.Errorf("%w: cookies carry no self identifier", errEnvironment)
	}

	login, err := m.opts.Store.RefreshLogin(ctx)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	if !login.Success || login.Token == "" {
		return nil, fmt.Errorf("%w: token refresh rejected", errEnvironment)
	}
	deviceID, err := m.opts.Store.ResolveDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}

	header := http.Header{}
	header.Set("Origin", m.opts.Origin)
	header.Set("User-Agent", m.opts.UserAgent)
	conn, err := m.opts.Dialer(ctx, m.opts.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.myID = myID
	m.token = login.Token
	m.deviceID = deviceID
	if m.opts.SyncCursorOverride > 0 {
		m.syncCursor = m.opts.SyncCursorOverride
	} else {
		m.syncCursor = time.Now().UnixMicro()
	}
	m.rawLogged = 0
	m.mu.Unlock()
	return conn, nil
}

// serve runs one connected session: register, initial sync ack, then the
// frame/timer reactor until the socket dies or the context ends.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	defer func() {
		m.setPhase(PhaseClosing)
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
	}()

	m.setPhase(PhaseRegistering)
	if err := m.sendRegister(ctx, conn); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if err := sleepCtx(ctx, m.opts.RegisterDelay); err != nil {
		return nil
	}
	if err := m.sendSyncAck(ctx, conn, ""); err != nil {
		return fmt.Errorf("initial sync ack: %w", err)
	}

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(m.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	var syncTick <-chan time.Time
	if m.opts.SyncPollInterval > 0 {
		ticker := time.NewTicker(m.opts.SyncPollInterval)
		defer ticker.Stop()
		syncTick = ticker.C
	}
	var messageTick <-chan time.Time
	if len(m.opts.MessagePollChats) > 0 {
		ticker := time.NewTicker(m.opts.MessagePollInterval)
		defer ticker.Stop()
		messageTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return ErrSocketClosed
				}
			}
			m.handleFrame(ctx, conn, raw)
		case <-heartbeat.C:
			if err := m.writeEnvelope(ctx, conn, envelope{
				LWP:     routeHeartbeat,
				Headers: map[string]any{"mid": m.nextMessageID()},
			}); err != nil {
				m.logf("heartbeat failed: %v", err)
			}
		case <-syncTick:
			if err := m.sendSyncAck(ctx, conn, ""); err != nil {
				m.logf("sync poll failed: %v", err)
			}
		case <-messageTick:
			m.pollMessages(ctx, conn)
		}
	}
}

func (m *Manager) sendRegister(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	token := m.token
	deviceID := m.deviceID
	m.mu.Unlock()
	mid := m.nextMessageID()
	m.ledger.Track(mid, kindRegister, "")
	return m.writeEnvelope(ctx, conn, envelope{
		LWP: routeRegister,
		Headers: map[string]any{
			"mid":    mid,
			"appkey": m.opts.AppKey,
			"token":  token,
			"did":    deviceID,
			"ua":     m.opts.UserAgent,
		},
	})
}

// sendSyncAck acknowledges the push stream at the current cursor. With
// echoMid set it answers a server frame; otherwise it nudges delivery.
func (m *Manager) sendSyncAck(ctx context.Context, conn Conn, echoMid string) error {
	m.mu.Lock()
	cursor := m.syncCursor
	m.mu.Unlock()
	mid := echoMid
	if mid == "" {
		mid = m.nextMessageID()
		m.ledger.Track(mid, kindSync, "")
	}
	return m.writeEnvelope(ctx, conn, envelope{
		LWP:     routeSyncAck,
		Headers: map[string]any{"mid": mid},
		Body: []any{map[string]any{
			"pipeline":    "sync",
			"tooLong2Tag": "PNM,1",
			"channel":     "sync",
			"topic":       "sync",
			"highPts":     0,
			"pts":         cursor,
			"seq":         0,
			"timestamp":   time.Now().UnixMilli(),
		}},
	})
}

func (m *Manager) pollMessages(ctx context.Context, conn Conn) {
	for _, chatID := range m.opts.MessagePollChats {
		address := chatAddress(chatID)
		if address == "" {
			continue
		}
		mid := m.nextMessageID()
		m.ledger.Track(mid, kindListMessages, normalizeChatID(chatID))
		err := m.writeEnvelope(ctx, conn, envelope{
			LWP:     routeListMessages,
			Headers: map[string]any{"mid": mid},
			Body: []any{map[string]any{
				"cid":      address,
				"pageSize": m.opts.MessagePollLimit,
			}},
		})
		if err != nil {
			m.logf("message poll for chat %s failed: %v", normalizeChatID(chatID), err)
			return
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, conn Conn, raw []byte) {
	m.mu.Lock()
	m.framesReceived++
	m.lastFrameAt = time.Now()
	logRaw := m.opts.RawLogEnabled && m.rawLogged < m.rawLogLimit()
	if logRaw {
		m.rawLogged++
	}
	m.mu.Unlock()
	if logRaw {
		m.logf("frame: %s", truncateForLog(raw, m.opts.RawLogMaxLen))
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.logf("dropping malformed frame (%v): %s", err, truncateForLog(raw, 128))
		return
	}

	pending, matched := m.ledger.Match(frame.messageID())
	if matched {
		switch pending.Kind {
		case kindRegister:
			m.handleRegisterAck(frame)
			return
		case kindSync:
			m.handleSyncFrame(ctx, conn, frame)
			return
		case kindListMessages:
			m.handlePollResponse(frame, pending.Meta)
			return
		case kindSend:
			// delivery is fire-and-forget; the ack carries nothing we need
			return
		}
	}

	switch {
	case frame.LWP == routeSync || frame.LWP == routePush:
		m.handleSyncFrame(ctx, conn, frame)
	case frame.LWP == routeRegisterAck, frame.LWP == "":
		if m.bodyHasSyncData(frame) {
			m.handleSyncFrame(ctx, conn, frame)
			return
		}
		if m.bodyHasMessageModels(frame) {
			m.handlePollResponse(frame, "")
			return
		}
		m.handleRegisterAck(frame)
	case m.bodyHasSyncData(frame):
		m.handleSyncFrame(ctx, conn, frame)
	case m.bodyHasMessageModels(frame):
		m.handlePollResponse(frame, "")
	default:
		m.logf("dropping unrecognized frame lwp=%q mid=%q", frame.LWP, frame.messageID())
	}
}

func (m *Manager) bodyHasSyncData(frame inboundFrame) bool {
	if len(frame.Body) == 0 {
		return false
	}
	var body syncBody
	if json.Unmarshal(frame.Body, &body) != nil {
		return false
	}
	return len(body.SyncPushPackage.Data) > 0
}

func (m *Manager) bodyHasMessageModels(frame inboundFrame) bool {
	if len(frame.Body) == 0 {
		return false
	}
	var body listMessagesBody
	if json.Unmarshal(frame.Body, &body) != nil {
		return false
	}
	return len(body.UserMessageModels) > 0
}

func (m *Manager) handleRegisterAck(frame inboundFrame) {
	if frame.code() == successCode {
		m.setPhase(PhaseActive)
		m.logf("session registered")
		return
	}
	m.logf("register rejected with code %d", frame.code())
}

// handleSyncFrame acknowledges the frame (echoing its header id) and
// feeds each decoded item through the extractor.
func (m *Manager) handleSyncFrame(ctx context.Context, conn Conn, frame inboundFrame) {
	if mid := frame.messageID(); mid != "" {
		ack := envelope{Code: successCode, Headers: map[string]any{"mid": mid}}
		if sid, ok := frame.Headers["sid"]; ok {
			ack.Headers["sid"] = sid
		}
		if err := m.writeEnvelope(ctx, conn, ack); err != nil {
			m.logf("sync ack write failed: %v", err)
		}
	}

	var body syncBody
	if len(frame.Body) == 0 || json.Unmarshal(frame.Body, &body) != nil {
		return
	}
	for _, item := range body.SyncPushPackage.Data {
		payload, ok := m.decodeSyncItem(item.Data)
		if !ok {
			continue
		}
		event, ok := ExtractOrderEvent(payload)
		if !ok || !event.IsOrderMessage {
			continue
		}
		m.dispatch(event)
	}
}

// decodeSyncItem base64-decodes the item and tries the binary envelope
// first, then JSON. Failure means "no event", never an error.
func (m *Manager) decodeSyncItem(data string) (any, bool) {
	raw, err := wire.DecodeBase64(data)
	if err != nil {
		m.logf("sync item base64 decode failed: %v", err)
		return nil, false
	}
	payload, err := wire.Decode(raw)
	if err == nil {
		return payload, true
	}
	var fallback any
	if jsonErr := json.Unmarshal(raw, &fallback); jsonErr == nil {
		return fallback, true
	}
	m.logf("sync item decode failed (%v): %s", err, truncateForLog(raw, 64))
	return nil, false
}

// handlePollResponse routes a listUserMessages response: advance the
// chat watermark to the max observed creation time and emit only
// messages newer than the previous watermark.
func (m *Manager) handlePollResponse(frame inboundFrame, chatID string) {
	var body listMessagesBody
	if len(frame.Body) == 0 || json.Unmarshal(frame.Body, &body) != nil {
		return
	}
	maxSeen := map[string]int64{}
	for _, model := range body.UserMessageModels {
		createAt := int64(0)
		switch v := model["createAt"].(type) {
		case float64:
			createAt = int64(v)
		case string:
			// some responses stringify timestamps
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				createAt = parsed
			}
		}
		chat := normalizeChatID(asStringValue(model["sessionId"]))
		if chat == "" {
			chat = chatID
		}
		if createAt > maxSeen[chat] {
			maxSeen[chat] = createAt
		}
		if createAt > 0 && !m.polls.ShouldProcess(chat, createAt) {
			continue
		}
		event, ok := ExtractOrderEvent(model)
		if !ok || !event.IsOrderMessage {
			continue
		}
		if event.ChatID == "" {
			event.ChatID = chat
		}
		m.dispatch(event)
	}
	for chat, seen := range maxSeen {
		if chat != "" && seen > 0 {
			m.polls.Advance(chat, seen)
		}
	}
}

func (m *Manager) dispatch(event OrderEvent) {
	m.mu.Lock()
	m.eventsExtracted++
	m.lastEventAt = time.Now()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return
	}
	go handler(event)
}

// SendChatMessage delivers one text message to a buyer in a chat. Fire
// and forget: no delivery acknowledgment is awaited.
func (m *Manager) SendChatMessage(ctx context.Context, chatID, buyerID, text string) error {
	m.mu.Lock()
	conn := m.conn
	myID := m.myID
	m.mu.Unlock()
	if conn == nil {
		return ErrSocketClosed
	}
	if myID == "" {
		return fmt.Errorf("%w: self identifier unknown", ErrNotReady)
	}
	address := chatAddress(chatID)
	if address == "" || buyerID == "" || text == "" {
		return fmt.Errorf("%w: chat id, buyer id and text are required", ErrNotReady)
	}
	mid := m.nextMessageID()
	m.ledger.Track(mid, kindSend, normalizeChatID(chatID))
	err := m.writeEnvelope(ctx, conn, envelope{
		LWP:     routeSendMessage,
		Headers: map[string]any{"mid": mid},
		Body: []any{map[string]any{
			"uuid":             mid,
			"cid":              address,
			"conversationType": 1,
			"content": map[string]any{
				"contentType": 1,
				"text":        map[string]any{"text": text},
			},
			"receivers": []string{buyerID},
			"extension": map[string]any{},
		}},
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sendsPerformed++
	m.mu.Unlock()
	return nil
}

func (m *Manager) writeEnvelope(ctx context.Context, conn Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (m *Manager) waitReconnect(ctx context.Context) bool {
	m.mu.Lock()
	m.reconnectAttempts++
	attempts := m.reconnectAttempts
	m.mu.Unlock()
	if attempts >= m.opts.MaxReconnects {
		m.logf("reconnect budget exhausted after %d attempts; stopped until restart", attempts)
		m.markStopped()
		return false
	}
	m.setPhase(PhaseReconnecting)
	m.logf("reconnecting in %s (attempt %d/%d)", m.opts.ReconnectDelay, attempts, m.opts.MaxReconnects)
	if err := sleepCtx(ctx, m.opts.ReconnectDelay); err != nil {
		return false
	}
	return m.running()
}

func (m *Manager) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRun
}

func (m *Manager) markStopped() {
	m.mu.Lock()
	m.shouldRun = false
	m.mu.Unlock()
}

func (m *Manager) resetReconnects() {
	m.mu.Lock()
	m.reconnectAttempts = 0
	m.mu.Unlock()
}

func (m *Manager) setPhase(phase Phase) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
}

func (m *Manager) nextMessageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newMessageID(m.rng)
}

func (m *Manager) rawLogLimit() int {
	if m.opts.RawLogLimit <= 0 {
		return 20
	}
	return m.opts.RawLogLimit
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
