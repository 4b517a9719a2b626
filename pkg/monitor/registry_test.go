// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	perrors "github.com/brentyates/gspro-proxy/pkg/errors"
	"github.com/brentyates/gspro-proxy/pkg/gspro"
)

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestRegisterAutoNames(t *testing.T) {
	reg := NewRegistry()

	_, s1 := pipeConn(t)
	_, s2 := pipeConn(t)
	_, s3 := pipeConn(t)

	a := reg.Register(s1, "", "tcp")
	named := reg.Register(s2, "Garage GC3", "ws")
	b := reg.Register(s3, "", "tcp")

	if a.Name() != "LM_1" {
		t.Errorf("first auto name = %q, want LM_1", a.Name())
	}
	if named.Name() != "Garage GC3" {
		t.Errorf("explicit name = %q, want Garage GC3", named.Name())
	}
	if b.Name() != "LM_2" {
		t.Errorf("second auto name = %q, want LM_2", b.Name())
	}
	if a.State() != StateOpen {
		t.Errorf("state after register = %v, want %v", a.State(), StateOpen)
	}
}

func TestAutoNamesNeverReused(t *testing.T) {
	reg := NewRegistry()

	_, s1 := pipeConn(t)
	first := reg.Register(s1, "", "tcp")
	reg.Unregister(first.ID())

	_, s2 := pipeConn(t)
	second := reg.Register(s2, "", "tcp")
	if second.Name() != "LM_2" {
		t.Errorf("name after churn = %q, want LM_2", second.Name())
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	reg := NewRegistry()

	var want []string
	for i := 0; i < 5; i++ {
		_, s := pipeConn(t)
		want = append(want, reg.Register(s, "", "tcp").ID())
	}

	got := reg.List()
	if len(got) != len(want) {
		t.Fatalf("list has %d monitors, want %d", len(got), len(want))
	}
	for i, c := range got {
		if c.ID() != want[i] {
			t.Errorf("position %d: id %s, want %s", i, c.ID(), want[i])
		}
	}

	// Removing from the middle keeps the rest ordered.
	reg.Unregister(want[2])
	got = reg.List()
	if len(got) != 4 || got[2].ID() != want[3] {
		t.Errorf("order after removal broken: %v", ids(got))
	}
}

func ids(conns []*Conn) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID()
	}
	return out
}

func TestUnregisterIdempotent(t *testing.T) {
	reg := NewRegistry()
	_, s := pipeConn(t)
	c := reg.Register(s, "", "tcp")

	if !reg.Unregister(c.ID()) {
		t.Error("first unregister = false")
	}
	if reg.Unregister(c.ID()) {
		t.Error("second unregister = true")
	}
	if reg.Unregister("no-such-id") {
		t.Error("unknown id unregister = true")
	}
	if reg.Len() != 0 {
		t.Errorf("len = %d after unregister", reg.Len())
	}
}

func TestRename(t *testing.T) {
	reg := NewRegistry()
	_, s := pipeConn(t)
	c := reg.Register(s, "", "tcp")

	if !reg.Rename(c.ID(), "Basement Mevo+") {
		t.Fatal("rename failed")
	}
	if c.Name() != "Basement Mevo+" {
		t.Errorf("name = %q after rename", c.Name())
	}
	if reg.Rename(c.ID(), "") {
		t.Error("rename to empty string succeeded")
	}
	if reg.Rename("no-such-id", "x") {
		t.Error("rename of unknown id succeeded")
	}
}

func TestByPlayer(t *testing.T) {
	reg := NewRegistry()
	_, s1 := pipeConn(t)
	_, s2 := pipeConn(t)
	a := reg.Register(s1, "", "tcp")
	b := reg.Register(s2, "", "tcp")

	b.SetPlayer("Alice")

	got, ok := reg.ByPlayer("Alice")
	if !ok || got.ID() != b.ID() {
		t.Errorf("ByPlayer(Alice) = %v, want %s", got, b.ID())
	}
	if _, ok := reg.ByPlayer("Bob"); ok {
		t.Error("ByPlayer(Bob) found a monitor")
	}
	if _, ok := reg.ByPlayer(""); ok {
		t.Error("ByPlayer(\"\") found a monitor")
	}

	// Earliest registration wins on duplicate announcements.
	a.SetPlayer("Alice")
	got, _ = reg.ByPlayer("Alice")
	if got.ID() != a.ID() {
		t.Errorf("ByPlayer(Alice) = %s, want earliest %s", got.ID(), a.ID())
	}
}

func TestSendWritesDelimitedFrame(t *testing.T) {
	reg := NewRegistry()
	client, server := pipeConn(t)
	c := reg.Register(server, "", "tcp")

	frame := []byte(`{"Code":200}`)
	done := make(chan error, 1)
	go func() {
		done <- c.Send(frame)
	}()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != `{"Code":200}`+"\n" {
		t.Errorf("wire bytes = %q", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	reg := NewRegistry()
	_, server := pipeConn(t)
	c := reg.Register(server, "", "tcp")

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateClosed {
		t.Errorf("state = %v, want %v", c.State(), StateClosed)
	}

	if err := c.Send([]byte(`{}`)); !errors.Is(err, perrors.ErrMonitorClosed) {
		t.Errorf("send after close: err = %v, want ErrMonitorClosed", err)
	}
	if err := c.SendResponse(gspro.Response{Code: 200}); !errors.Is(err, perrors.ErrMonitorClosed) {
		t.Errorf("send response after close: err = %v, want ErrMonitorClosed", err)
	}

	// Close twice is fine.
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestReapIdle(t *testing.T) {
	reg := NewRegistry()
	_, s1 := pipeConn(t)
	_, s2 := pipeConn(t)
	stale := reg.Register(s1, "", "tcp")
	fresh := reg.Register(s2, "", "tcp")

	time.Sleep(100 * time.Millisecond)
	fresh.Touch()

	reaped := reg.ReapIdle(50 * time.Millisecond)
	if len(reaped) != 1 || reaped[0].ID() != stale.ID() {
		t.Fatalf("reaped %v, want only %s", ids(reaped), stale.ID())
	}
	if stale.State() != StateClosed {
		t.Errorf("stale state = %v, want %v", stale.State(), StateClosed)
	}
	if fresh.State() != StateOpen {
		t.Errorf("fresh state = %v, want %v", fresh.State(), StateOpen)
	}
}

func TestCloseAll(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		_, s := pipeConn(t)
		reg.Register(s, "", "tcp")
	}

	reg.CloseAll()
	for _, c := range reg.List() {
		if c.State() != StateClosed {
			t.Errorf("monitor %s state = %v, want %v", c.Name(), c.State(), StateClosed)
		}
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				client, server := net.Pipe()
				c := reg.Register(server, "", "tcp")
				reg.List()
				reg.Len()
				reg.Rename(c.ID(), "renamed")
				reg.Unregister(c.ID())
				client.Close()
				server.Close()
			}
		}()
	}
	wg.Wait()

	if reg.Len() != 0 {
		t.Errorf("len = %d after churn, want 0", reg.Len())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateOpen, "open"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{State(42), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.state), got, tc.want)
		}
	}
}
