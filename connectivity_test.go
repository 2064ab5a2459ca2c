package fieldsync

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestMonitorStartsOffline(t *testing.T) {
	m := NewConnectivityMonitor(ConnectivityConfig{}, nil)
	if m.IsOnline() {
		t.Error("monitor must start offline")
	}
}

func TestMonitorTransitions(t *testing.T) {
	m := NewConnectivityMonitor(ConnectivityConfig{}, nil)

	var events []bool
	m.OnChange(func(online bool) { events = append(events, online) })

	m.SetOnline(true)
	m.SetOnline(true) // no transition, no event
	m.SetOnline(false)

	if m.IsOnline() {
		t.Error("expected the monitor offline after the last transition")
	}
	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Errorf("unexpected event sequence: %v", events)
	}
}

func TestMonitorNotifiesEverySubscriber(t *testing.T) {
	m := NewConnectivityMonitor(ConnectivityConfig{}, nil)

	var first, second bool
	m.OnChange(func(online bool) {
		first = online
		// Registering from inside a callback must not deadlock.
		m.OnChange(func(bool) {})
	})
	m.OnChange(func(online bool) { second = online })

	m.SetOnline(true)

	// Callbacks run synchronously, so both fired before SetOnline
	// returned.
	if !first || !second {
		t.Errorf("expected both subscribers notified, got %v %v", first, second)
	}
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := TCPProbe{Address: ln.Addr().String(), Timeout: time.Second}
	if !probe.Check(context.Background()) {
		t.Error("probe should reach the local listener")
	}

	ln.Close()
	dead := TCPProbe{Address: ln.Addr().String(), Timeout: 100 * time.Millisecond}
	if dead.Check(context.Background()) {
		t.Error("probe should fail against a closed listener")
	}
}

func TestMonitorProbeLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	m := NewConnectivityMonitor(ConnectivityConfig{
		ProbeAddress:  ln.Addr().String(),
		ProbeInterval: 10 * time.Millisecond,
		ProbeTimeout:  time.Second,
	}, TCPProbe{Address: ln.Addr().String(), Timeout: time.Second})
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(time.Second)
	for !m.IsOnline() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never went online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
