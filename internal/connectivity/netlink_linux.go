//go:build linux

package connectivity

import (
	"sync"

	"golang.org/x/sys/unix"
)

// netlinkSource listens on an rtnetlink socket for link, address, and route
// changes. The kernel message itself is only a wake-up; the resulting state
// is re-derived from the interface table each time and debounced upstream.
type netlinkSource struct {
	fd     int
	logger Logger
	ch     chan State
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newSystemSource(logger Logger) (Source, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	s := &netlinkSource{
		fd:     fd,
		logger: logger,
		ch:     make(chan State, 8),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	return s, nil
}

func (s *netlinkSource) States() <-chan State { return s.ch }

func (s *netlinkSource) readLoop() {
	// Seed the initial state before the first kernel notification.
	s.emit(classifyInterfaces())
	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			select {
			case <-s.done:
			default:
				if s.logger != nil {
					s.logger.Printf("netlink read failed: %v", err)
				}
			}
			return
		}
		if n == 0 {
			continue
		}
		s.emit(classifyInterfaces())
	}
}

func (s *netlinkSource) emit(st State) {
	select {
	case s.ch <- st:
	default:
	}
}

func (s *netlinkSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = unix.Close(s.fd)
		s.wg.Wait()
		close(s.ch)
	})
	return err
}
