package detections

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	DefaultPoolSize   = 1
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second

	maxRecordedErrors = 10
)

var ErrPoolClosed = errors.New("pool is closed")

// SessionFactory builds a fresh inference session.
type SessionFactory func() (*ModelSession, error)

// SessionPool hands out a fixed number of inference sessions. Sessions lost to
// failures are rebuilt by a periodic health check.
type SessionPool struct {
	sessions chan *ModelSession
	size     int
	factory  SessionFactory

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	lastErrors []error

	statsMu sync.RWMutex
	stats   PoolMetrics
}

type PoolMetrics struct {
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

func NewSessionPool(factory SessionFactory, size int) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions: make(chan *ModelSession, size),
		size:     size,
		factory:  factory,
		done:     make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			return nil, multierr.Combine(
				errors.Wrapf(err, "failed to initialize session %d", i),
				pool.Destroy(),
			)
		}
		pool.sessions <- session
	}

	go pool.healthCheck()

	return pool, nil
}

func (p *SessionPool) Size() int { return p.size }

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool) updateStats(fn func(m *PoolMetrics)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

// Acquire waits up to AcquireTimeout for a free session. A timeout is
// reported as ErrTimeout so callers can retry the frame.
func (p *SessionPool) Acquire(ctx context.Context) (*ModelSession, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer p.updateStats(func(m *PoolMetrics) { m.WaitTime += time.Since(start) })

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.updateStats(func(m *PoolMetrics) {
			m.InUse++
			m.TotalAcquired++
		})
		return session, nil
	case <-timer.C:
		p.updateStats(func(m *PoolMetrics) { m.AcquireFailures++ })
		return nil, errors.Wrap(ErrTimeout, "waiting for available session")
	case <-ctx.Done():
		p.updateStats(func(m *PoolMetrics) { m.AcquireFailures++ })
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session *ModelSession) {
	p.updateStats(func(m *PoolMetrics) {
		m.InUse--
		m.TotalReleased++
	})
	p.put(session)
}

// put returns a session to the channel, or destroys it when the pool is
// closed or already full.
func (p *SessionPool) put(session *ModelSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		select {
		case p.sessions <- session:
			return
		default:
		}
	}
	if err := session.Destroy(); err != nil {
		p.recordErrorLocked(err)
	}
}

func (p *SessionPool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	var err error
	for session := range p.sessions {
		err = multierr.Append(err, session.Destroy())
	}
	return err
}

func (p *SessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.statsMu.RLock()
		inUse := p.stats.InUse
		p.statsMu.RUnlock()

		if missing := p.size - len(p.sessions) - inUse; missing > 0 {
			p.replenishSessions(missing)
		}
	}
}

func (p *SessionPool) replenishSessions(count int) {
	for i := 0; i < count; i++ {
		session, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.recordErrorLocked(err)
			p.mu.Unlock()
			continue
		}
		p.put(session)
	}
}

func (p *SessionPool) recordErrorLocked(err error) {
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent session creation and teardown failures.
func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) GetMetrics() PoolMetrics {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}
