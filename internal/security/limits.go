// Package security holds the rate limiters, document-id validation and
// public-namespace rules that gate every connection and message before it
// reaches the hub.
package security

import (
	"sync"
	"time"
)

// Hard limits enforced across the server. The values are part of the
// public abuse policy and match the client SDK's documentation.
const (
	MaxConnectionsPerIP  = 50
	MaxMessagesPerMinute = 500
	MaxDocumentsPerIP    = 20
	MaxDocumentsPerHour  = 10

	MaxFrameBytes        = 2_000_000
	MaxFieldValueBytes   = 10_000
	MaxFieldsPerDocument = 1_000
	MaxDocumentBytes     = 10_485_760

	messageWindow = time.Minute
)

// ConnectionLimiter caps concurrent connections per client IP.
type ConnectionLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	stopCh chan struct{}
	once   sync.Once
}

func NewConnectionLimiter() *ConnectionLimiter {
	return &ConnectionLimiter{
		counts: make(map[string]int),
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic sweep that drops zeroed rows.
func (cl *ConnectionLimiter) Start() {
	go cl.sweepLoop(5 * time.Minute)
}

func (cl *ConnectionLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.mu.Lock()
			for ip, count := range cl.counts {
				if count <= 0 {
					delete(cl.counts, ip)
				}
			}
			cl.mu.Unlock()
		case <-cl.stopCh:
			return
		}
	}
}

// CanConnect reports whether ip is below the concurrent-connection cap.
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.counts[ip] < MaxConnectionsPerIP
}

// AddConnection records an admitted connection.
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.counts[ip]++
}

// RemoveConnection releases a slot when the transport closes.
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.counts[ip] <= 1 {
		delete(cl.counts, ip)
	} else {
		cl.counts[ip]--
	}
}

// Count returns the live connection count for ip.
func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.counts[ip]
}

// Dispose cancels the sweep and drops all state.
func (cl *ConnectionLimiter) Dispose() {
	cl.once.Do(func() { close(cl.stopCh) })
	cl.mu.Lock()
	cl.counts = make(map[string]int)
	cl.mu.Unlock()
}

// MessageRateLimiter admits at most MaxMessagesPerMinute events per key
// within a sliding 60 s window. Keys are connection ids for one instance
// and client IPs for the other, so a shared NAT cannot starve a single
// well-behaved connection and one connection cannot hide behind its NAT.
type MessageRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time // stubbed in tests
}

func NewMessageRateLimiter() *MessageRateLimiter {
	return &MessageRateLimiter{
		windows: make(map[string][]time.Time),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the periodic sweep dropping expired windows.
func (rl *MessageRateLimiter) Start() {
	go rl.sweepLoop(time.Minute)
}

func (rl *MessageRateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *MessageRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-messageWindow)
	for key, stamps := range rl.windows {
		recent := trimBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(rl.windows, key)
		} else {
			rl.windows[key] = recent
		}
	}
}

// Allow admits and records one event for key, truncating the window to
// the last 60 s as a side effect.
func (rl *MessageRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := trimBefore(rl.windows[key], now.Add(-messageWindow))
	if len(recent) >= MaxMessagesPerMinute {
		rl.windows[key] = recent
		return false
	}
	rl.windows[key] = append(recent, now)
	return true
}

// Remove drops all state for key. Called when a connection closes.
func (rl *MessageRateLimiter) Remove(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Dispose cancels the sweep and drops all state.
func (rl *MessageRateLimiter) Dispose() {
	rl.once.Do(func() { close(rl.stopCh) })
	rl.mu.Lock()
	rl.windows = make(map[string][]time.Time)
	rl.mu.Unlock()
}

// DocumentLimiter caps document creation per IP: a lifetime total and a
// sliding hourly window, with a reason string on denial.
type DocumentLimiter struct {
	mu     sync.Mutex
	perIP  map[string]*documentQuota
	stopCh chan struct{}
	once   sync.Once
	now    func() time.Time
}

type documentQuota struct {
	total  int
	hourly []time.Time
}

func NewDocumentLimiter() *DocumentLimiter {
	return &DocumentLimiter{
		perIP:  make(map[string]*documentQuota),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start launches the hourly sweep.
func (dl *DocumentLimiter) Start() {
	go dl.sweepLoop(time.Hour)
}

func (dl *DocumentLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dl.sweep()
		case <-dl.stopCh:
			return
		}
	}
}

func (dl *DocumentLimiter) sweep() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	cutoff := dl.now().Add(-time.Hour)
	for ip, quota := range dl.perIP {
		quota.hourly = trimBefore(quota.hourly, cutoff)
		if len(quota.hourly) == 0 && quota.total == 0 {
			delete(dl.perIP, ip)
		}
	}
}

// CanCreate reports whether ip may create a document, with a
// human-readable reason on denial.
func (dl *DocumentLimiter) CanCreate(ip string) (bool, string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	quota := dl.perIP[ip]
	if quota == nil {
		return true, ""
	}
	if quota.total >= MaxDocumentsPerIP {
		return false, "maximum documents per IP reached"
	}

	cutoff := dl.now().Add(-time.Hour)
	recent := 0
	for _, ts := range quota.hourly {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent >= MaxDocumentsPerHour {
		return false, "hourly document creation limit reached"
	}
	return true, ""
}

// RecordCreate records one document creation for ip.
func (dl *DocumentLimiter) RecordCreate(ip string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	quota := dl.perIP[ip]
	if quota == nil {
		quota = &documentQuota{}
		dl.perIP[ip] = quota
	}
	quota.total++
	quota.hourly = append(quota.hourly, dl.now())
}

// Dispose cancels the sweep and drops all state.
func (dl *DocumentLimiter) Dispose() {
	dl.once.Do(func() { close(dl.stopCh) })
	dl.mu.Lock()
	dl.perIP = make(map[string]*documentQuota)
	dl.mu.Unlock()
}

// Manager bundles the limiters into one server-context value. Tests
// build a fresh Manager per case; nothing here is process-global.
type Manager struct {
	Connections    *ConnectionLimiter
	MessagesByConn *MessageRateLimiter
	MessagesByIP   *MessageRateLimiter
	Documents      *DocumentLimiter
}

func NewManager() *Manager {
	return &Manager{
		Connections:    NewConnectionLimiter(),
		MessagesByConn: NewMessageRateLimiter(),
		MessagesByIP:   NewMessageRateLimiter(),
		Documents:      NewDocumentLimiter(),
	}
}

// Start launches every limiter's sweep task.
func (m *Manager) Start() {
	m.Connections.Start()
	m.MessagesByConn.Start()
	m.MessagesByIP.Start()
	m.Documents.Start()
}

// Dispose cancels all sweeps and drops all limiter state.
func (m *Manager) Dispose() {
	m.Connections.Dispose()
	m.MessagesByConn.Dispose()
	m.MessagesByIP.Dispose()
	m.Documents.Dispose()
}

// trimBefore returns the suffix of stamps at or after cutoff, preserving
// order. Stamps are appended monotonically so a single scan suffices.
func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append([]time.Time(nil), stamps[i:]...)
}
