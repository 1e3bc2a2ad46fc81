package queue

import "time"

// Metrics holds running aggregates derived from queue events. All fields are
// updated under the queue mutex; snapshots are returned by value.
type Metrics struct {
	Submitted         int           `json:"submitted"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	Cancelled         int           `json:"cancelled"`
	Retries           int           `json:"retries"`
	AvgWait           time.Duration `json:"avgWait"`
	AvgProcessing     time.Duration `json:"avgProcessing"`
	SuccessRate       float64       `json:"successRate"`
	CompletedLastHour int           `json:"completedLastHour"`

	// completion timestamps for the rolling hourly window
	recentCompletions []time.Time
}

func (m *Metrics) recordWait(d time.Duration) {
	n := m.Completed + m.Failed + 1 // denominator includes the item being recorded
	m.AvgWait = runningAvg(m.AvgWait, n, d)
}

func (m *Metrics) recordCompletion(now time.Time, processing time.Duration) {
	m.Completed++
	m.AvgProcessing = runningAvg(m.AvgProcessing, m.Completed, processing)
	m.recentCompletions = append(m.recentCompletions, now)
	m.refresh(now)
}

func (m *Metrics) recordFailure() {
	m.Failed++
	m.refresh(time.Now())
}

// refresh trims the hourly window and recomputes derived rates. Also called
// by the maintenance loop so the hourly figure decays without new traffic.
func (m *Metrics) refresh(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(m.recentCompletions) && m.recentCompletions[i].Before(cutoff) {
		i++
	}
	m.recentCompletions = m.recentCompletions[i:]
	m.CompletedLastHour = len(m.recentCompletions)

	if total := m.Completed + m.Failed; total > 0 {
		m.SuccessRate = float64(m.Completed) / float64(total)
	}
}

// snapshot copies the exported aggregates without the internal window.
func (m *Metrics) snapshot() Metrics {
	cp := *m
	cp.recentCompletions = nil
	return cp
}

func runningAvg(avg time.Duration, n int, next time.Duration) time.Duration {
	if n <= 1 {
		return next
	}
	return time.Duration((int64(avg)*int64(n-1) + int64(next)) / int64(n))
}
