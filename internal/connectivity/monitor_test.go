package connectivity

import (
	"testing"
	"time"
)

type fakeSource struct {
	ch chan State
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan State, 8)}
}

func (s *fakeSource) States() <-chan State { return s.ch }
func (s *fakeSource) Close() error         { close(s.ch); return nil }

func waitForState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case st, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a state transition")
		return State{}
	}
}

func TestMonitorDebouncesIdenticalStates(t *testing.T) {
	source := newFakeSource()
	m := NewMonitor(source, nil)
	defer m.Close()

	ch, cancel := m.Subscribe(8)
	defer cancel()

	online := State{Online: true, Link: LinkWifi}
	source.ch <- online
	source.ch <- online
	source.ch <- online
	source.ch <- State{Online: false, Link: LinkNone}

	if got := waitForState(t, ch); got != online {
		t.Fatalf("expected first online transition, got %+v", got)
	}
	if got := waitForState(t, ch); got.Online {
		t.Fatalf("expected the offline transition next, got %+v", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("duplicate state leaked through the debounce: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorLinkChangeIsATransition(t *testing.T) {
	source := newFakeSource()
	m := NewMonitor(source, nil)
	defer m.Close()

	ch, cancel := m.Subscribe(8)
	defer cancel()

	source.ch <- State{Online: true, Link: LinkWifi}
	source.ch <- State{Online: true, Link: LinkEthernet}

	first := waitForState(t, ch)
	second := waitForState(t, ch)
	if first.Link != LinkWifi || second.Link != LinkEthernet {
		t.Fatalf("expected wifi then ethernet, got %+v %+v", first, second)
	}
	if got := m.Current(); got.Link != LinkEthernet {
		t.Fatalf("expected Current to track the latest state, got %+v", got)
	}
}

func TestMonitorWithoutSourceIsPinnedOffline(t *testing.T) {
	m := NewMonitor(nil, nil)
	defer m.Close()

	if got := m.Current(); got != Offline {
		t.Fatalf("expected pinned offline, got %+v", got)
	}
	ch, cancel := m.Subscribe(1)
	defer cancel()
	select {
	case st := <-ch:
		t.Fatalf("nil source must never emit, got %+v", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	source := newFakeSource()
	m := NewMonitor(source, nil)
	defer m.Close()

	_, cancel := m.Subscribe(1)
	cancel()
	cancel()
}

func TestLinkTypeForName(t *testing.T) {
	cases := map[string]LinkType{
		"wlan0":  LinkWifi,
		"wlp3s0": LinkWifi,
		"eth0":   LinkEthernet,
		"enp0s3": LinkEthernet,
		"wwan0":  LinkCellular,
		"rmnet0": LinkCellular,
		"tun0":   LinkOther,
	}
	for name, want := range cases {
		if got := linkTypeForName(name); got != want {
			t.Fatalf("linkTypeForName(%q) = %s, want %s", name, got, want)
		}
	}
}
