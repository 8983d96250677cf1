package discord

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gryphonracing/rosterlink/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sendPayload(t *testing.T, ctx context.Context, c *ws.Conn, op int, typ string, seq int64, d any) {
	t.Helper()
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	p := payload{Op: op, D: data, T: typ}
	if seq > 0 {
		p.S = &seq
	}
	out, _ := json.Marshal(p)
	if err := c.Write(ctx, ws.MessageText, out); err != nil {
		t.Errorf("server write: %v", err)
	}
}

// fakeGateway plays HELLO, waits for IDENTIFY, then emits events and acks
// heartbeats until the client goes away.
func fakeGateway(t *testing.T, identified chan<- map[string]any) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		sendPayload(t, ctx, c, opHello, "", 0, map[string]any{"heartbeat_interval": 50})

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var id struct {
			Op int            `json:"op"`
			D  map[string]any `json:"d"`
		}
		json.Unmarshal(data, &id)
		if id.Op != opIdentify {
			t.Errorf("first client op = %d, want identify", id.Op)
		}
		identified <- id.D

		sendPayload(t, ctx, c, opDispatch, "READY", 1, map[string]any{"session_id": "abc", "resume_gateway_url": "ws://unused"})
		sendPayload(t, ctx, c, opDispatch, "MESSAGE_CREATE", 2, map[string]any{
			"guild_id": "555",
			"content":  "guild chatter",
			"author":   map[string]any{"id": "42"},
		})
		sendPayload(t, ctx, c, opDispatch, "MESSAGE_CREATE", 3, map[string]any{
			"content": "student@uoguelph.ca",
			"author":  map[string]any{"id": "42"},
		})
		sendPayload(t, ctx, c, opDispatch, "GUILD_MEMBER_ADD", 4, map[string]any{
			"guild_id": "999",
			"user":     map[string]any{"id": "77"},
		})
		sendPayload(t, ctx, c, opDispatch, "GUILD_MEMBER_ADD", 5, map[string]any{
			"guild_id": "111",
			"user":     map[string]any{"id": "43"},
		})

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var p payload
			json.Unmarshal(data, &p)
			if p.Op == opHeartbeat {
				sendPayload(t, ctx, c, opHeartbeatAck, "", 0, nil)
			}
		}
	}))
}

func TestGatewayDeliversEvents(t *testing.T) {
	identified := make(chan map[string]any, 1)
	server := fakeGateway(t, identified)
	defer server.Close()

	var mu sync.Mutex
	var dms []DirectMessage
	var joins []MemberJoin
	done := make(chan struct{})
	check := func() {
		if len(dms) == 1 && len(joins) == 1 {
			close(done)
		}
	}
	handlers := Handlers{
		DirectMessage: func(ctx context.Context, m DirectMessage) {
			mu.Lock()
			defer mu.Unlock()
			dms = append(dms, m)
			check()
		},
		MemberJoin: func(ctx context.Context, j MemberJoin) {
			mu.Lock()
			defer mu.Unlock()
			joins = append(joins, j)
			check()
		},
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	g := NewGateway(url, "bot-token", testGuild, handlers, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- g.Run(ctx) }()

	select {
	case id := <-identified:
		if id["token"] != "bot-token" {
			t.Errorf("identify token = %v", id["token"])
		}
		if int(id["intents"].(float64)) != DefaultIntents {
			t.Errorf("intents = %v, want %d", id["intents"], DefaultIntents)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no identify received")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handlers did not fire")
	}

	// Let a few heartbeats pass to exercise the ack path.
	time.Sleep(150 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if dms[0].AuthorID != 42 || dms[0].Content != "student@uoguelph.ca" {
		t.Errorf("dm = %+v", dms[0])
	}
	if joins[0].AccountID != 43 {
		t.Errorf("join = %+v", joins[0])
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionID != "abc" {
		t.Errorf("session id = %q", g.sessionID)
	}
	if g.seq == nil || *g.seq != 5 {
		t.Errorf("seq = %v, want 5", g.seq)
	}
}

func TestGatewayStopsOnFatalClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		sendPayload(t, r.Context(), c, opHello, "", 0, map[string]any{"heartbeat_interval": 1000})
		c.Read(r.Context())
		c.Close(ws.StatusCode(4004), "Authentication failed.")
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	g := NewGateway(url, "bad-token", testGuild, Handlers{}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "fatal") {
		t.Fatalf("Run = %v, want fatal close error", err)
	}
}

func TestDispatcherKeepsPerKeyOrder(t *testing.T) {
	d := newDispatcher(context.Background(), 4)

	var mu sync.Mutex
	got := map[uint64][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []uint64{1, 2, 3, 5} {
			i, key := i, key
			fn := func(context.Context) {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
			}
			for !d.submit(key, fn) {
				time.Sleep(time.Millisecond)
			}
		}
	}
	d.close()

	for key, seq := range got {
		if len(seq) != 50 {
			t.Fatalf("key %d ran %d handlers, want 50", key, len(seq))
		}
		for i, v := range seq {
			if v != i {
				t.Fatalf("key %d out of order at %d: %v", key, i, seq)
			}
		}
	}
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	m := metrics.New()
	g := NewGateway("", "bot-token", testGuild, Handlers{}, discardLogger(), WithGatewayMetrics(m))
	d := newDispatcher(context.Background(), 1)

	release := make(chan struct{})
	started := make(chan struct{})
	d.submit(7, func(context.Context) {
		close(started)
		<-release
	})
	<-started
	for i := 0; i < dispatchQueueSize; i++ {
		if !d.submit(7, func(context.Context) {}) {
			t.Fatalf("submit %d rejected before the queue was full", i)
		}
	}

	done := make(chan struct{})
	go func() {
		g.submit(d, "MESSAGE_CREATE", 7, func(context.Context) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full queue")
	}

	if got := testutil.ToFloat64(m.GatewayDropped.WithLabelValues("MESSAGE_CREATE")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	close(release)
	d.close()
}
