package ws

import (
	"go.uber.org/zap"
)

// startHeartbeat arms a timer that writes a WebSocket ping frame every
// PingInterval while conn is the current connection. A failed ping closes
// the connection, which ends the read loop and triggers the normal
// reconnection path.
func (m *Manager) startHeartbeat(gen uint64, conn Conn) {
	interval := m.config.PingInterval
	if interval <= 0 {
		return
	}

	var tick func()
	tick = func() {
		m.mu.Lock()
		if gen != m.gen || m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.heartbeat = nil
		m.mu.Unlock()

		if err := conn.Ping(); err != nil {
			m.log.Warn("heartbeat ping failed", zap.Error(err))
			_ = conn.Close()
			return
		}

		m.mu.Lock()
		if gen == m.gen && m.conn == conn {
			m.heartbeat = m.clock.AfterFunc(interval, tick)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if gen == m.gen && m.conn == conn {
		m.heartbeat = m.clock.AfterFunc(interval, tick)
	}
	m.mu.Unlock()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}
