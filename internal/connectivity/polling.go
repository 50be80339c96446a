package connectivity

import (
	"sync"
	"time"
)

const defaultPollInterval = 10 * time.Second

// pollingSource re-reads the interface table on a fixed interval. It is the
// portable fallback for platforms without a push reachability API.
type pollingSource struct {
	interval time.Duration
	logger   Logger
	ch       chan State
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func newPollingSource(interval time.Duration, logger Logger) Source {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	s := &pollingSource{
		interval: interval,
		logger:   logger,
		ch:       make(chan State, 8),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s
}

func (s *pollingSource) States() <-chan State { return s.ch }

func (s *pollingSource) loop() {
	emit := func(st State) {
		select {
		case s.ch <- st:
		default:
		}
	}
	emit(classifyInterfaces())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			emit(classifyInterfaces())
		}
	}
}

func (s *pollingSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.ch)
	})
	return nil
}
