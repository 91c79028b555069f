// Package ledger provides a bounded, time-retained store of tracked
// failures with aggregate statistics and spike detection.
//
// The ledger is an explicitly constructed, dependency-injected instance,
// never a hidden global; tests construct isolated instances.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmarsh/valet/internal/models"
)

const (
	// DefaultMaxFailures bounds the ledger size.
	DefaultMaxFailures = 1000

	// DefaultRetention is how long a failure is kept before the sweep
	// removes it.
	DefaultRetention = 24 * time.Hour

	// DefaultSweepInterval is how often the retention sweep runs.
	DefaultSweepInterval = time.Hour
)

// Config holds ledger tuning knobs. Zero values fall back to defaults.
type Config struct {
	MaxFailures   int           // Maximum failures held (default 1000)
	Retention     time.Duration // Failure retention window (default 24h)
	SweepInterval time.Duration // Background sweep interval (default 1h)
}

// Stats summarizes ledger contents.
type Stats struct {
	Total               int                             // Failures currently held
	ByCategory          map[models.FailureCategory]int  // Count per category
	ByTool              map[string]int                  // Count per tool
	MostCommonCategory  models.FailureCategory          // Category with the max count
	MostProblematicTool string                          // Tool with the max count
	CorrectionAttempts  int                             // Failures where a strategy was attempted
	CorrectionSuccesses int                             // Attempted corrections that succeeded
	CorrectionRate      float64                         // Successes / attempts (0 when no attempts)
}

// Ledger is the bounded, time-retained failure store. All access is
// mutex-guarded; the retention sweep runs on its own timer.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	failures map[string]*models.TrackedFailure
	order    []string            // Insertion order, used for eviction tie-breaks
	sessions map[string][]string // Session id -> failure ids, for fast scoped queries
	tools    []string            // Tool names in first-seen order, for stats tie-breaks

	done      chan struct{}
	sweepOnce sync.Once
}

// New creates a Ledger and starts its background retention sweep.
// Call Destroy to stop the sweep timer.
func New(cfg Config) *Ledger {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	l := &Ledger{
		cfg:      cfg,
		failures: make(map[string]*models.TrackedFailure),
		sessions: make(map[string][]string),
		done:     make(chan struct{}),
	}

	go l.sweepLoop()

	return l
}

// sweepLoop runs the retention sweep until Destroy is called.
func (l *Ledger) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.done:
			return
		}
	}
}

// Track records a failure, assigning it a fresh id and timestamp. When
// the ledger is full the single globally-oldest failure is evicted first,
// regardless of which session it belongs to.
func (l *Ledger) Track(failure models.TrackedFailure, sessionID string) *models.TrackedFailure {
	l.mu.Lock()
	defer l.mu.Unlock()

	failure.ID = uuid.NewString()
	failure.Timestamp = time.Now()
	if failure.Category == "" {
		failure.Category = models.CategoryUnknown
	}

	if len(l.failures) >= l.cfg.MaxFailures {
		l.evictOldestLocked()
	}

	l.failures[failure.ID] = &failure
	l.order = append(l.order, failure.ID)
	if sessionID != "" {
		l.sessions[sessionID] = append(l.sessions[sessionID], failure.ID)
	}
	if failure.ToolName != "" && !l.knowsTool(failure.ToolName) {
		l.tools = append(l.tools, failure.ToolName)
	}

	return &failure
}

func (l *Ledger) knowsTool(tool string) bool {
	for _, t := range l.tools {
		if t == tool {
			return true
		}
	}
	return false
}

// evictOldestLocked removes the failure with the oldest timestamp,
// breaking timestamp ties by insertion order. Caller holds the lock.
func (l *Ledger) evictOldestLocked() {
	if len(l.order) == 0 {
		return
	}

	oldestID := l.order[0]
	oldest := l.failures[oldestID]
	for _, id := range l.order[1:] {
		f := l.failures[id]
		if f != nil && (oldest == nil || f.Timestamp.Before(oldest.Timestamp)) {
			oldestID = id
			oldest = f
		}
	}

	l.removeLocked(oldestID)
}

// removeLocked deletes a failure and compacts all indexes. Caller holds
// the lock.
func (l *Ledger) removeLocked(id string) {
	delete(l.failures, id)

	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}

	for sessionID, ids := range l.sessions {
		for i, existing := range ids {
			if existing == id {
				l.sessions[sessionID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(l.sessions[sessionID]) == 0 {
			delete(l.sessions, sessionID)
		}
	}
}

// Get returns the failure with the given id, or nil.
func (l *Ledger) Get(id string) *models.TrackedFailure {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.failures[id]; ok {
		copied := *f
		return &copied
	}
	return nil
}

// GetBySession returns failures tracked for a session in insertion order.
func (l *Ledger) GetBySession(sessionID string) []models.TrackedFailure {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.sessions[sessionID]
	result := make([]models.TrackedFailure, 0, len(ids))
	for _, id := range ids {
		if f, ok := l.failures[id]; ok {
			result = append(result, *f)
		}
	}
	return result
}

// GetByStep returns failures for a step id in insertion order.
func (l *Ledger) GetByStep(stepID string) []models.TrackedFailure {
	return l.filter(func(f *models.TrackedFailure) bool { return f.StepID == stepID })
}

// GetByTool returns failures for a tool name in insertion order.
func (l *Ledger) GetByTool(tool string) []models.TrackedFailure {
	return l.filter(func(f *models.TrackedFailure) bool { return f.ToolName == tool })
}

// GetByCategory returns failures for a category in insertion order.
func (l *Ledger) GetByCategory(category models.FailureCategory) []models.TrackedFailure {
	return l.filter(func(f *models.TrackedFailure) bool { return f.Category == category })
}

func (l *Ledger) filter(keep func(*models.TrackedFailure) bool) []models.TrackedFailure {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result []models.TrackedFailure
	for _, id := range l.order {
		if f, ok := l.failures[id]; ok && keep(f) {
			result = append(result, *f)
		}
	}
	return result
}

// GetRecent returns the n most recently tracked failures, newest first.
func (l *Ledger) GetRecent(n int) []models.TrackedFailure {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || len(l.order) == 0 {
		return nil
	}
	if n > len(l.order) {
		n = len(l.order)
	}

	result := make([]models.TrackedFailure, 0, n)
	for i := len(l.order) - 1; i >= 0 && len(result) < n; i-- {
		if f, ok := l.failures[l.order[i]]; ok {
			result = append(result, *f)
		}
	}
	return result
}

// GetStats summarizes all failures currently held.
func (l *Ledger) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.statsLocked(l.order)
}

// GetSessionStats summarizes failures for one session.
func (l *Ledger) GetSessionStats(sessionID string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.statsLocked(l.sessions[sessionID])
}

// statsLocked computes stats over a set of failure ids. Ties for the
// most-common category follow CategoryPriority order (then unknown);
// ties for the most-problematic tool follow first-seen order.
func (l *Ledger) statsLocked(ids []string) Stats {
	stats := Stats{
		ByCategory: make(map[models.FailureCategory]int),
		ByTool:     make(map[string]int),
	}

	for _, id := range ids {
		f, ok := l.failures[id]
		if !ok {
			continue
		}
		stats.Total++
		stats.ByCategory[f.Category]++
		if f.ToolName != "" {
			stats.ByTool[f.ToolName]++
		}
		if f.StrategyAttempted != "" && f.CorrectionSucceeded != nil {
			stats.CorrectionAttempts++
			if *f.CorrectionSucceeded {
				stats.CorrectionSuccesses++
			}
		}
	}

	enumeration := append([]models.FailureCategory{}, models.CategoryPriority...)
	enumeration = append(enumeration, models.CategoryUnknown)
	best := 0
	for _, category := range enumeration {
		if count := stats.ByCategory[category]; count > best {
			best = count
			stats.MostCommonCategory = category
		}
	}

	best = 0
	for _, tool := range l.tools {
		if count := stats.ByTool[tool]; count > best {
			best = count
			stats.MostProblematicTool = tool
		}
	}

	if stats.CorrectionAttempts > 0 {
		stats.CorrectionRate = float64(stats.CorrectionSuccesses) / float64(stats.CorrectionAttempts)
	}

	return stats
}

// HasRepeatedFailures reports whether a tool failed at least threshold
// times within the trailing window.
func (l *Ledger) HasRepeatedFailures(tool string, threshold int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, f := range l.failures {
		if f.ToolName == tool && !f.Timestamp.Before(cutoff) {
			count++
			if count >= threshold {
				return true
			}
		}
	}
	return false
}

// HasCategorySpike reports whether a category was seen at least
// threshold times within the trailing window.
func (l *Ledger) HasCategorySpike(category models.FailureCategory, threshold int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, f := range l.failures {
		if f.Category == category && !f.Timestamp.Before(cutoff) {
			count++
			if count >= threshold {
				return true
			}
		}
	}
	return false
}

// RecordCorrectionResult stamps the outcome of the correction attempted
// for a tracked failure.
func (l *Ledger) RecordCorrectionResult(id string, succeeded bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.failures[id]
	if !ok {
		return fmt.Errorf("failure %s not found", id)
	}
	f.CorrectionSucceeded = &succeeded
	return nil
}

// SetStrategyAttempted stamps the strategy chosen for a tracked failure.
func (l *Ledger) SetStrategyAttempted(id string, strategy models.CorrectionStrategy) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.failures[id]
	if !ok {
		return fmt.Errorf("failure %s not found", id)
	}
	f.StrategyAttempted = strategy
	return nil
}

// Sweep removes failures older than the retention window and compacts
// session indexes. Runs on the background timer; exported so callers
// can force a sweep.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.Retention)
	var expired []string
	for id, f := range l.failures {
		if f.Timestamp.Before(cutoff) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		l.removeLocked(id)
	}
	return len(expired)
}

// ClearSession removes all failures tracked for one session.
func (l *Ledger) ClearSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := append([]string{}, l.sessions[sessionID]...)
	for _, id := range ids {
		l.removeLocked(id)
	}
	delete(l.sessions, sessionID)
}

// Clear removes all failures from the ledger.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures = make(map[string]*models.TrackedFailure)
	l.order = nil
	l.sessions = make(map[string][]string)
	l.tools = nil
}

// Destroy stops the background sweep timer and clears all state. The
// timer must stop first so it cannot keep the process alive.
func (l *Ledger) Destroy() {
	l.sweepOnce.Do(func() { close(l.done) })
	l.Clear()
}
