// Package connectivity observes network reachability and exposes a
// debounced stream of online/offline transitions with a coarse link type.
package connectivity

import (
	"net"
	"strings"
	"sync"
)

type LinkType string

const (
	LinkNone     LinkType = "none"
	LinkWifi     LinkType = "wifi"
	LinkCellular LinkType = "cellular"
	LinkEthernet LinkType = "ethernet"
	LinkOther    LinkType = "other"
)

type State struct {
	Online bool     `json:"online"`
	Link   LinkType `json:"link"`
}

// Offline is the degraded state reported when no reachability source is
// available.
var Offline = State{Online: false, Link: LinkNone}

type Logger interface {
	Printf(format string, args ...any)
}

// Source feeds raw reachability states to a Monitor. Sources may repeat
// identical states; the Monitor debounces.
type Source interface {
	States() <-chan State
	Close() error
}

// Monitor debounces a Source into exactly one event per real transition.
// With a nil source it reports Offline and never emits, so the rest of the
// engine degrades to offline-safe behavior instead of failing.
type Monitor struct {
	mu       sync.Mutex
	source   Source
	logger   Logger
	last     State
	haveLast bool
	nextSub  int
	subs     map[int]chan State
	done     chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

func NewMonitor(source Source, logger Logger) *Monitor {
	m := &Monitor{
		source: source,
		logger: logger,
		last:   Offline,
		subs:   map[int]chan State{},
		done:   make(chan struct{}),
	}
	if source != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run()
		}()
	}
	return m
}

// NewSystemMonitor builds a Monitor over the platform reachability source.
// If the source cannot be opened the monitor still works, pinned offline.
func NewSystemMonitor(logger Logger) *Monitor {
	source, err := newSystemSource(logger)
	if err != nil {
		if logger != nil {
			logger.Printf("connectivity source unavailable, reporting offline: %v", err)
		}
		source = nil
	}
	return NewMonitor(source, logger)
}

func (m *Monitor) run() {
	for {
		select {
		case <-m.done:
			return
		case st, ok := <-m.source.States():
			if !ok {
				return
			}
			m.publish(st)
		}
	}
}

func (m *Monitor) publish(st State) {
	m.mu.Lock()
	if m.haveLast && st == m.last {
		m.mu.Unlock()
		return
	}
	m.last = st
	m.haveLast = true
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
	m.mu.Unlock()
}

// Current returns the last observed state, Offline before the first report.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe registers a buffered listener for state transitions.
func (m *Monitor) Subscribe(buffer int) (<-chan State, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan State, buffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	var err error
	if m.source != nil {
		err = m.source.Close()
	}
	m.wg.Wait()
	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()
	return err
}

// classifyInterfaces inspects the host's interfaces and derives the current
// reachability state. Loopback and down interfaces are ignored; the link
// type comes from conventional interface name prefixes.
func classifyInterfaces() State {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Offline
	}
	best := Offline
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		link := linkTypeForName(iface.Name)
		if !best.Online || rankLink(link) > rankLink(best.Link) {
			best = State{Online: true, Link: link}
		}
	}
	return best
}

func linkTypeForName(name string) LinkType {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "wl"):
		return LinkWifi
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return LinkEthernet
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "pdp"):
		return LinkCellular
	default:
		return LinkOther
	}
}

func rankLink(link LinkType) int {
	switch link {
	case LinkEthernet:
		return 3
	case LinkWifi:
		return 2
	case LinkCellular:
		return 1
	default:
		return 0
	}
}
