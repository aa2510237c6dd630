package proxy

import (
	"net"
	"sync"
	"time"
)

// trackingListener remembers every accepted connection until it is closed,
// including connections hijacked for tunnels, which http.Server forgets.
//
// With a positive idle timeout each connection is closed once no byte has
// been read from or written to it for that long.
type trackingListener struct {
	net.Listener
	idle time.Duration

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

func newTrackingListener(l net.Listener, idle time.Duration) *trackingListener {
	return &trackingListener{Listener: l, idle: idle, conns: make(map[*trackedConn]struct{})}
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tc := &trackedConn{Conn: c, l: l, idle: l.idle}
	l.mu.Lock()
	l.conns[tc] = struct{}{}
	l.mu.Unlock()
	if l.idle > 0 {
		tc.timer = time.AfterFunc(l.idle, tc.expire)
	}
	return tc, nil
}

// closeConns closes every connection still open.
func (l *trackingListener) closeConns() {
	l.mu.Lock()
	conns := make([]*trackedConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close() // nolint: errcheck
	}
}

func (l *trackingListener) forget(c *trackedConn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// trackedConn closes itself when its idle timer fires. Activity resets the
// timer; the deadlines set by net/http are left alone.
type trackedConn struct {
	net.Conn
	l     *trackingListener
	idle  time.Duration
	timer *time.Timer
	once  sync.Once
}

func (c *trackedConn) Read(b []byte) (int, error) {
	c.touch()
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	c.touch()
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

func (c *trackedConn) touch() {
	if c.timer != nil {
		c.timer.Reset(c.idle)
	}
}

// expire runs on the timer goroutine and must not touch c.timer.
func (c *trackedConn) expire() {
	c.once.Do(func() { c.l.forget(c) })
	c.Conn.Close() // nolint: errcheck
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.l.forget(c)
	})
	return c.Conn.Close()
}
