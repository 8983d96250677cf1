package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/gryphonracing/rosterlink/internal/metrics"
)

const defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Gateway intents.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMembers   = 1 << 1
	IntentDirectMessages = 1 << 12
	IntentMessageContent = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMembers | IntentDirectMessages | IntentMessageContent
)

// DirectMessage is a MESSAGE_CREATE outside any guild.
type DirectMessage struct {
	AuthorID uint64
	Bot      bool
	Content  string
}

// MemberJoin is a GUILD_MEMBER_ADD for the configured guild.
type MemberJoin struct {
	AccountID uint64
	Bot       bool
}

// Handlers receive gateway events. Either may be nil.
type Handlers struct {
	DirectMessage func(ctx context.Context, m DirectMessage)
	MemberJoin    func(ctx context.Context, j MemberJoin)
}

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// Gateway keeps a websocket session open and feeds events to Handlers.
type Gateway struct {
	url      string
	token    string
	guildID  uint64
	intents  int
	handlers Handlers
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	seq       *int64
	sessionID string
	resumeURL string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

func WithGatewayMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

func NewGateway(url, token string, guildID uint64, handlers Handlers, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if url == "" {
		url = defaultGatewayURL
	}
	g := &Gateway{
		url:      url,
		token:    token,
		guildID:  guildID,
		intents:  DefaultIntents,
		handlers: handlers,
		logger:   logger.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var (
	errReconnect     = errors.New("gateway requested reconnect")
	errZombie        = errors.New("heartbeat not acknowledged")
	errFatalClose    = errors.New("gateway closed with a fatal code")
	fatalCloseStatus = map[ws.StatusCode]bool{
		4004: true, // authentication failed
		4010: true, // invalid shard
		4011: true, // sharding required
		4012: true, // invalid API version
		4013: true, // invalid intents
		4014: true, // disallowed intents
	}
)

// Run connects and reconnects until ctx is done or the gateway rejects the
// bot's credentials or intents.
func (g *Gateway) Run(ctx context.Context) error {
	d := newDispatcher(ctx, dispatchShards)
	defer d.close()

	backoff := retry.WithCappedDuration(2*time.Minute, retry.NewExponential(time.Second))
	for {
		connected, err := g.session(ctx, d)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errFatalClose) {
			return err
		}
		if connected {
			backoff = retry.WithCappedDuration(2*time.Minute, retry.NewExponential(time.Second))
		}
		wait, _ := backoff.Next()
		g.logger.Warn("gateway disconnected", "error", err, "reconnect_in", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection. connected reports whether HELLO was received.
func (g *Gateway) session(ctx context.Context, d *dispatcher) (connected bool, err error) {
	g.mu.Lock()
	url := g.url
	resuming := g.sessionID != "" && g.resumeURL != ""
	if resuming {
		url = g.resumeURL + "/?v=10&encoding=json"
	}
	g.mu.Unlock()

	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(16 << 20)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hello, err := g.read(ctx, conn)
	if err != nil {
		return false, err
	}
	if hello.Op != opHello {
		return false, fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var h struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &h); err != nil {
		return false, fmt.Errorf("decode hello: %w", err)
	}

	if resuming {
		err = g.resume(ctx, conn)
	} else {
		err = g.identify(ctx, conn)
	}
	if err != nil {
		return true, err
	}

	acks := make(chan struct{}, 1)
	hbErr := make(chan error, 1)
	go func() {
		hbErr <- g.heartbeat(ctx, conn, time.Duration(h.HeartbeatInterval)*time.Millisecond, acks)
		// Unblocks the read below when the heartbeat gives up.
		cancel()
	}()

	for {
		p, err := g.read(ctx, conn)
		if err != nil {
			select {
			case hb := <-hbErr:
				if errors.Is(hb, errZombie) {
					return true, hb
				}
			default:
			}
			return true, err
		}
		if p.S != nil {
			g.mu.Lock()
			g.seq = p.S
			g.mu.Unlock()
		}

		switch p.Op {
		case opDispatch:
			g.dispatch(p, d)
		case opHeartbeat:
			if err := g.write(ctx, conn, outbound{Op: opHeartbeat, D: g.lastSeq()}); err != nil {
				return true, err
			}
		case opHeartbeatAck:
			select {
			case acks <- struct{}{}:
			default:
			}
		case opReconnect:
			conn.Close(ws.StatusCode(4000), "reconnect")
			return true, errReconnect
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				g.resetSession()
			}
			conn.Close(ws.StatusCode(4000), "invalid session")
			return true, errors.New("invalid session")
		}
	}
}

func (g *Gateway) read(ctx context.Context, conn *ws.Conn) (payload, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		if status := ws.CloseStatus(err); fatalCloseStatus[status] {
			return payload{}, fmt.Errorf("%w: %d: %w", errFatalClose, status, err)
		}
		return payload{}, fmt.Errorf("read gateway: %w", err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return payload{}, fmt.Errorf("decode gateway payload: %w", err)
	}
	return p, nil
}

// write is safe to call concurrently; the websocket serialises writers.
func (g *Gateway) write(ctx context.Context, conn *ws.Conn, msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode gateway payload: %w", err)
	}
	if err := conn.Write(ctx, ws.MessageText, data); err != nil {
		return fmt.Errorf("write gateway: %w", err)
	}
	return nil
}

func (g *Gateway) identify(ctx context.Context, conn *ws.Conn) error {
	return g.write(ctx, conn, outbound{Op: opIdentify, D: map[string]any{
		"token":   g.token,
		"intents": g.intents,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "rosterlink",
			"device":  "rosterlink",
		},
	}})
}

func (g *Gateway) resume(ctx context.Context, conn *ws.Conn) error {
	g.mu.Lock()
	d := map[string]any{"token": g.token, "session_id": g.sessionID, "seq": g.seq}
	g.mu.Unlock()
	g.logger.Info("resuming gateway session")
	return g.write(ctx, conn, outbound{Op: opResume, D: d})
}

// heartbeat sends op 1 every interval. A missing ACK between two beats means
// the connection is dead.
func (g *Gateway) heartbeat(ctx context.Context, conn *ws.Conn, interval time.Duration, acks <-chan struct{}) error {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	acked := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-acks:
			acked = true
		case <-ticker.C:
			if !acked {
				return errZombie
			}
			acked = false
			if err := g.write(ctx, conn, outbound{Op: opHeartbeat, D: g.lastSeq()}); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) lastSeq() *int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

func (g *Gateway) resetSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = ""
	g.resumeURL = ""
	g.seq = nil
}

type readyEvent struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type messageCreateEvent struct {
	GuildID Snowflake `json:"guild_id"`
	Content string    `json:"content"`
	Author  apiUser   `json:"author"`
}

type memberAddEvent struct {
	GuildID Snowflake `json:"guild_id"`
	User    apiUser   `json:"user"`
}

func (g *Gateway) dispatch(p payload, d *dispatcher) {
	switch p.T {
	case "READY":
		var r readyEvent
		if err := json.Unmarshal(p.D, &r); err != nil {
			g.logger.Warn("decode ready", "error", err)
			return
		}
		g.mu.Lock()
		g.sessionID = r.SessionID
		g.resumeURL = r.ResumeGatewayURL
		g.mu.Unlock()
		g.logger.Info("gateway ready")

	case "RESUMED":
		g.logger.Info("gateway resumed")

	case "MESSAGE_CREATE":
		if g.handlers.DirectMessage == nil {
			return
		}
		var m messageCreateEvent
		if err := json.Unmarshal(p.D, &m); err != nil {
			g.logger.Warn("decode message", "error", err)
			return
		}
		if m.GuildID != 0 {
			return
		}
		dm := DirectMessage{AuthorID: uint64(m.Author.ID), Bot: m.Author.Bot, Content: m.Content}
		g.submit(d, p.T, dm.AuthorID, func(ctx context.Context) { g.handlers.DirectMessage(ctx, dm) })

	case "GUILD_MEMBER_ADD":
		if g.handlers.MemberJoin == nil {
			return
		}
		var m memberAddEvent
		if err := json.Unmarshal(p.D, &m); err != nil {
			g.logger.Warn("decode member add", "error", err)
			return
		}
		if uint64(m.GuildID) != g.guildID {
			return
		}
		j := MemberJoin{AccountID: uint64(m.User.ID), Bot: m.User.Bot}
		g.submit(d, p.T, j.AccountID, func(ctx context.Context) { g.handlers.MemberJoin(ctx, j) })
	}
}

// submit hands an event to the dispatcher without stalling the read loop.
func (g *Gateway) submit(d *dispatcher, event string, accountID uint64, fn func(context.Context)) {
	if d.submit(accountID, fn) {
		return
	}
	g.metrics.GatewayEventDropped(event)
	g.logger.Warn("handler queue full, event dropped", "event", event, "account_id", accountID)
}
