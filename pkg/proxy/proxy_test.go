// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/handler"
	"github.com/brentyates/gspro-proxy/pkg/rules"
	"github.com/brentyates/gspro-proxy/pkg/upstream"
)

const (
	playerInfoRH = `{"Code":201,"Message":"GSPro Player Information","Player":{"Handed":"RH","Club":"DR"}}`
	playerInfoLH = `{"Code":201,"Message":"GSPro Player Information","Player":{"Handed":"LH","Club":"I7"}}`
	shotAck      = `{"Code":200,"Message":"Shot received"}`
	heartbeat    = `{"DeviceID":"LM","APIversion":"1","ShotDataOptions":{"ContainsBallData":false,"ContainsClubData":false,"IsHeartBeat":true,"LaunchMonitorIsReady":true}}`
)

func shotFrame(n int) string {
	return fmt.Sprintf(`{"DeviceID":"LM","Units":"Yards","APIversion":"1","ShotNumber":%d,"BallData":{"Speed":152.5,"TotalSpin":2541.2},"ShotDataOptions":{"ContainsBallData":true,"ContainsClubData":false,"IsHeartBeat":false}}`, n)
}

// fakeGSPro is a stand-in simulator. It accepts connections from the proxy,
// records every newline-delimited frame it receives and can push responses
// down the most recent connection.
type fakeGSPro struct {
	t  *testing.T
	ln net.Listener

	mu     sync.Mutex
	conn   net.Conn
	frames []string
}

func newFakeGSPro(t *testing.T) *fakeGSPro {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake simulator: %s", err)
	}
	f := &fakeGSPro{t: t, ln: ln}
	go f.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeGSPro) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		go f.readLoop(conn)
	}
}

func (f *fakeGSPro) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		f.mu.Lock()
		f.frames = append(f.frames, scanner.Text())
		f.mu.Unlock()
	}
}

func (f *fakeGSPro) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeGSPro) send(frame string) {
	f.t.Helper()

	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		f.t.Fatal("simulator has no proxy connection yet")
	}
	if _, err := conn.Write([]byte(frame + "\n")); err != nil {
		f.t.Fatalf("simulator write failed: %s", err)
	}
}

func (f *fakeGSPro) sawFrame(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.frames {
		if strings.Contains(fr, substr) {
			return true
		}
	}
	return false
}

// lmClient is a minimal launch monitor: a TCP client that collects every
// frame the proxy sends back.
type lmClient struct {
	t    *testing.T
	conn net.Conn

	mu    sync.Mutex
	lines []string
	eof   bool
}

func dialMonitor(t *testing.T, addr string) *lmClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %s", err)
	}
	c := &lmClient{t: t, conn: conn}
	go c.readLoop()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *lmClient) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		c.mu.Lock()
		c.lines = append(c.lines, scanner.Text())
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
}

func (c *lmClient) send(frame string) {
	c.t.Helper()

	if _, err := c.conn.Write([]byte(frame + "\n")); err != nil {
		c.t.Fatalf("monitor write failed: %s", err)
	}
}

func (c *lmClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func (c *lmClient) line(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.lines) {
		return ""
	}
	return c.lines[i]
}

func (c *lmClient) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

// proxyRecorder captures lifecycle callbacks for assertions.
type proxyRecorder struct {
	handler.NoopHandler

	vetoErr error

	mu           sync.Mutex
	connected    int
	disconnected int
	malformed    []string
	dropped      []handler.Reason
	filtered     []handler.Reason
}

func (r *proxyRecorder) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	return r.vetoErr
}

func (r *proxyRecorder) OnConnect(ctx context.Context, hctx *handler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
	return nil
}

func (r *proxyRecorder) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
	return nil
}

func (r *proxyRecorder) OnShotFiltered(ctx context.Context, hctx *handler.Context, reason handler.Reason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filtered = append(r.filtered, reason)
	return nil
}

func (r *proxyRecorder) OnFrameDropped(ctx context.Context, hctx *handler.Context, msgType string, reason handler.Reason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, reason)
	return nil
}

func (r *proxyRecorder) OnMalformedFrame(ctx context.Context, source string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed = append(r.malformed, source)
	return nil
}

func (r *proxyRecorder) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *proxyRecorder) malformedSources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.malformed...)
}

func (r *proxyRecorder) droppedReasons() []handler.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]handler.Reason(nil), r.dropped...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startProxy(t *testing.T, cfg Config, h handler.Handler) *Proxy {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	p, err := New(cfg, h)
	if err != nil {
		t.Fatalf("failed to create proxy: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("proxy returned error on shutdown: %s", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("proxy did not shut down in time")
		}
	})

	waitFor(t, "listener address", func() bool { return p.Addr() != "" })
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProxyEndToEnd(t *testing.T) {
	gs := newFakeGSPro(t)
	p := startProxy(t, Config{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: gs.addr(),
	}, nil)
	waitFor(t, "simulator link", func() bool { return p.UpstreamState() == upstream.StateConnected })

	lm1 := dialMonitor(t, p.Addr())
	waitFor(t, "first monitor", func() bool { return p.MonitorCount() == 1 })
	lm2 := dialMonitor(t, p.Addr())
	waitFor(t, "second monitor", func() bool { return p.MonitorCount() == 2 })

	// A right-handed player activates LM_1 and the 201 reaches everyone.
	gs.send(playerInfoRH)
	waitFor(t, "LM_1 activation", func() bool { return p.ActiveMonitor() == "LM_1" })
	waitFor(t, "player info broadcast", func() bool { return lm1.count() == 1 && lm2.count() == 1 })
	if !strings.Contains(lm1.line(0), `"Handed":"RH"`) {
		t.Errorf("expected player info broadcast, got %q", lm1.line(0))
	}

	// Only the active monitor's shot crosses to the simulator.
	lm1.send(shotFrame(1))
	waitFor(t, "active shot forwarded", func() bool { return gs.sawFrame(`"ShotNumber":1`) })

	// The inactive monitor's shot is filtered. Its heartbeat, sent on the
	// same connection right after, passes unconditionally. Once the
	// heartbeat has arrived the shot can no longer be in flight.
	lm2.send(shotFrame(2))
	lm2.send(heartbeat)
	waitFor(t, "heartbeat forwarded", func() bool { return gs.sawFrame(`"IsHeartBeat":true`) })
	if gs.sawFrame(`"ShotNumber":2`) {
		t.Error("inactive monitor's shot reached the simulator")
	}

	// Handedness flips, LM_2 takes over.
	gs.send(playerInfoLH)
	waitFor(t, "LM_2 activation", func() bool { return p.ActiveMonitor() == "LM_2" })
	waitFor(t, "second broadcast", func() bool { return lm1.count() == 2 && lm2.count() == 2 })

	lm2.send(shotFrame(3))
	waitFor(t, "new active shot forwarded", func() bool { return gs.sawFrame(`"ShotNumber":3`) })

	// Uncorrelated responses go to the active monitor alone.
	gs.send(shotAck)
	waitFor(t, "ack routed to active monitor", func() bool { return lm2.count() == 3 })
	if lm1.count() != 2 {
		t.Errorf("inactive monitor received %d frames, expected 2", lm1.count())
	}
	if !strings.Contains(lm2.line(2), `"Code":200`) {
		t.Errorf("expected shot ack, got %q", lm2.line(2))
	}
}

func TestProxyWebSocketMonitor(t *testing.T) {
	gs := newFakeGSPro(t)
	p := startProxy(t, Config{
		ListenAddress:   "127.0.0.1:0",
		Transport:       TransportWS,
		UpstreamAddress: gs.addr(),
	}, nil)
	waitFor(t, "simulator link", func() bool { return p.UpstreamState() == upstream.StateConnected })

	client, _, err := websocket.DefaultDialer.Dial("ws://"+p.Addr()+"/?name=Garage+GC3", nil)
	if err != nil {
		t.Fatalf("failed to dial websocket listener: %s", err)
	}
	t.Cleanup(func() { client.Close() })
	waitFor(t, "websocket monitor", func() bool { return p.MonitorCount() == 1 })

	gs.send(playerInfoRH)
	// "Garage GC3" matches no handedness rule, so selection falls back to
	// the only connected monitor.
	waitFor(t, "fallback activation", func() bool { return p.ActiveMonitor() == "Garage GC3" })

	if err := client.WriteMessage(websocket.TextMessage, []byte(shotFrame(9)+"\n")); err != nil {
		t.Fatalf("failed to send shot: %s", err)
	}
	waitFor(t, "shot forwarded", func() bool { return gs.sawFrame(`"ShotNumber":9`) })

	if err := client.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %s", err)
	}
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read broadcast: %s", err)
	}
	if !strings.Contains(string(payload), `"Handed":"RH"`) {
		t.Errorf("expected player info over websocket, got %q", payload)
	}
}

func TestProxyRenameFromDeviceName(t *testing.T) {
	gs := newFakeGSPro(t)
	p := startProxy(t, Config{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: gs.addr(),
		Rules: []rules.Rule{
			{PlayerAttribute: "Handed", AttributeValue: "RH", MonitorPattern: "EYE"},
		},
	}, nil)
	waitFor(t, "simulator link", func() bool { return p.UpstreamState() == upstream.StateConnected })

	dialMonitor(t, p.Addr())
	waitFor(t, "first monitor", func() bool { return p.MonitorCount() == 1 })
	lm2 := dialMonitor(t, p.Addr())
	waitFor(t, "second monitor", func() bool { return p.MonitorCount() == 2 })

	// The second monitor identifies itself, which renames the session.
	lm2.send(`{"DeviceName":"Uneekor EYE XO","APIversion":"1"}`)
	waitFor(t, "identification frame", func() bool { return gs.sawFrame("Uneekor EYE XO") })

	gs.send(playerInfoRH)
	waitFor(t, "renamed monitor activation", func() bool { return p.ActiveMonitor() == "Uneekor EYE XO" })
}

func TestProxyMalformedMonitorFrameClosesSession(t *testing.T) {
	gs := newFakeGSPro(t)
	rec := &proxyRecorder{}
	p := startProxy(t, Config{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: gs.addr(),
	}, rec)

	lm := dialMonitor(t, p.Addr())
	waitFor(t, "monitor", func() bool { return p.MonitorCount() == 1 })

	lm.send("this is not a frame")
	waitFor(t, "session teardown", func() bool { return p.MonitorCount() == 0 })
	waitFor(t, "monitor socket closed", func() bool { return lm.closed() })

	sources := rec.malformedSources()
	if len(sources) != 1 || sources[0] != "LM_1" {
		t.Errorf("expected one malformed frame from LM_1, got %v", sources)
	}
}

func TestProxyAuthConnectVeto(t *testing.T) {
	gs := newFakeGSPro(t)
	rec := &proxyRecorder{vetoErr: errors.New("monitor not on the allow list")}
	p := startProxy(t, Config{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: gs.addr(),
	}, rec)

	lm := dialMonitor(t, p.Addr())
	waitFor(t, "vetoed socket closed", func() bool { return lm.closed() })

	if n := p.MonitorCount(); n != 0 {
		t.Errorf("expected no registered monitors, got %d", n)
	}
	if n := rec.connectCount(); n != 0 {
		t.Errorf("OnConnect fired %d times for a vetoed monitor", n)
	}
}

func TestProxyIdleReaping(t *testing.T) {
	gs := newFakeGSPro(t)
	p := startProxy(t, Config{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: gs.addr(),
		IdleTimeout:     150 * time.Millisecond,
	}, nil)

	lm := dialMonitor(t, p.Addr())
	waitFor(t, "monitor", func() bool { return p.MonitorCount() == 1 })

	waitFor(t, "idle monitor reaped", func() bool { return p.MonitorCount() == 0 })
	waitFor(t, "idle socket closed", func() bool { return lm.closed() })
}

func TestProxyFrameRateLimit(t *testing.T) {
	gs := newFakeGSPro(t)
	rec := &proxyRecorder{}
	p := startProxy(t, Config{
		ListenAddress:   "127.0.0.1:0",
		UpstreamAddress: gs.addr(),
		FrameRate:       1,
		FrameBurst:      1,
	}, rec)
	waitFor(t, "simulator link", func() bool { return p.UpstreamState() == upstream.StateConnected })

	lm := dialMonitor(t, p.Addr())
	waitFor(t, "monitor", func() bool { return p.MonitorCount() == 1 })

	lm.send(heartbeat)
	lm.send(heartbeat)
	lm.send(heartbeat)

	waitFor(t, "rate limited drop", func() bool {
		for _, reason := range rec.droppedReasons() {
			if reason == handler.ReasonRateLimited {
				return true
			}
		}
		return false
	})
	// The first heartbeat fit the burst and must still go through.
	waitFor(t, "first heartbeat forwarded", func() bool { return gs.sawFrame(`"IsHeartBeat":true`) })
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		desc string
		cfg  Config
		err  error
	}{
		{
			desc: "missing listen address",
			cfg:  Config{UpstreamAddress: "127.0.0.1:921"},
			err:  perrors.ErrInvalidConfig,
		},
		{
			desc: "missing upstream address",
			cfg:  Config{ListenAddress: "127.0.0.1:0"},
			err:  perrors.ErrInvalidConfig,
		},
		{
			desc: "unknown listener transport",
			cfg:  Config{ListenAddress: "127.0.0.1:0", UpstreamAddress: "127.0.0.1:921", Transport: "udp"},
			err:  perrors.ErrInvalidConfig,
		},
		{
			desc: "unknown upstream transport",
			cfg:  Config{ListenAddress: "127.0.0.1:0", UpstreamAddress: "127.0.0.1:921", UpstreamTransport: "quic"},
			err:  perrors.ErrInvalidConfig,
		},
		{
			desc: "invalid selection rule",
			cfg: Config{
				ListenAddress:   "127.0.0.1:0",
				UpstreamAddress: "127.0.0.1:921",
				Rules:           []rules.Rule{{AttributeValue: "RH", MonitorPattern: "1"}},
			},
			err: perrors.ErrInvalidRule,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tc.cfg.Logger = quietLogger()
			_, err := New(tc.cfg, nil)
			if !errors.Is(err, tc.err) {
				t.Errorf("expected %v, got %v", tc.err, err)
			}
		})
	}
}
