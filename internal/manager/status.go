package manager

import (
	"time"

	"inferd/pkg/types"
)

// Ready reports whether a model is loaded and serving.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.handle != nil
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	state, h, lastErr, loadedAt := m.state, m.handle, m.lastErr, m.loadedAt
	m.mu.RUnlock()

	ps := m.pool.Stats()
	now := time.Now()
	resp := types.StatusResponse{
		State:            string(state),
		QueueLen:         int(ps.Queued),
		Inflight:         int(ps.Inflight),
		MaxQueueDepth:    ps.QueueDepth,
		LoadsTotal:       m.loads.Load(),
		GenerationsTotal: m.generations.Load(),
		LastError:        lastErr,
		UptimeSeconds:    int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:   now.Unix(),
	}
	if h != nil {
		resp.Model = &types.LoadedModel{
			ID:       h.ID(),
			Name:     h.Name(),
			Variant:  string(h.Variant()),
			Device:   h.Device().String(),
			LoadedAt: loadedAt.Unix(),
		}
	}
	return resp
}
