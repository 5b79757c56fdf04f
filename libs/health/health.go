package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Manager struct {
	ready  atomic.Bool
	mu     sync.RWMutex
	checks map[string]Check
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{checks: make(map[string]Check)}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// AddCheck registers a named dependency probe evaluated by the readiness handler.
func (m *Manager) AddCheck(name string, check Check) {
	if check == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Failing runs every registered probe and returns the names of those that failed.
func (m *Manager) Failing(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []string
	for name, check := range m.checks {
		if err := check(ctx); err != nil {
			failed = append(failed, name)
		}
	}
	return failed
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if failed := m.Failing(ctx); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failing": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
