// Package security provides HTTP middleware and guards for the relay:
// request logging and recovery, security headers, GitHub source-IP
// validation, and per-IP connection limits for live feed watchers.
package security

import (
	"context"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
)

const (
	staleTimeout    = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
	maxIPEntries    = 10000
)

type connectionInfo struct {
	lastActive time.Time
	count      int
}

// ConnectionLimiter tracks open connections per IP and in total.
type ConnectionLimiter struct {
	perIP    map[string]*connectionInfo
	stop     chan struct{}
	total    int
	maxPerIP int
	maxTotal int
	stopOnce sync.Once
	mu       sync.Mutex
}

// NewConnectionLimiter creates a limiter and starts its cleanup loop.
// Call Stop to end it.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:    make(map[string]*connectionInfo),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
		stop:     make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Add reserves a connection slot for ip. It returns false when either
// limit is reached.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.total >= cl.maxTotal {
		return false
	}

	info := cl.perIP[ip]
	if info == nil {
		if len(cl.perIP) >= maxIPEntries {
			cl.evictOldestInactive()
			if len(cl.perIP) >= maxIPEntries {
				return false
			}
		}
		info = &connectionInfo{}
		cl.perIP[ip] = info
	}
	if info.count >= cl.maxPerIP {
		return false
	}

	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases a slot reserved by Add.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info := cl.perIP[ip]
	if info == nil || info.count == 0 {
		return
	}
	info.count--
	info.lastActive = time.Now()
	cl.total--
	if info.count == 0 {
		delete(cl.perIP, ip)
	}
}

// Stats returns the number of open connections and tracked IPs.
func (cl *ConnectionLimiter) Stats() (total, ips int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total, len(cl.perIP)
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := cl.cleanup(time.Now()); n > 0 {
				logger.Debug(context.Background(), "connection limiter cleaned stale entries", logger.Fields{"count": n})
			}
		case <-cl.stop:
			return
		}
	}
}

// cleanup drops idle entries older than staleTimeout and returns how many.
func (cl *ConnectionLimiter) cleanup(now time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, info := range cl.perIP {
		if info.count == 0 && now.Sub(info.lastActive) > staleTimeout {
			delete(cl.perIP, ip)
			cleaned++
		}
	}
	return cleaned
}

// evictOldestInactive must be called with the lock held.
func (cl *ConnectionLimiter) evictOldestInactive() {
	var oldestIP string
	var oldest time.Time
	for ip, info := range cl.perIP {
		if info.count == 0 && (oldestIP == "" || info.lastActive.Before(oldest)) {
			oldestIP = ip
			oldest = info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}
