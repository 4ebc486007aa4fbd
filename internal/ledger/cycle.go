package ledger

import "time"

// DayKey returns the cycle key for t: the calendar date of t shifted back by
// resetHour hours in loc.
func DayKey(t time.Time, resetHour int, loc *time.Location) string {
	return t.In(loc).Add(-time.Duration(resetHour) * time.Hour).Format(time.DateOnly)
}

// CycleBounds returns the start of the cycle containing t and the instant
// the next one begins.
func CycleBounds(t time.Time, resetHour int, loc *time.Location) (start, next time.Time) {
	shifted := t.In(loc).Add(-time.Duration(resetHour) * time.Hour)
	y, m, d := shifted.Date()
	start = time.Date(y, m, d, resetHour, 0, 0, 0, loc)
	next = time.Date(y, m, d+1, resetHour, 0, 0, 0, loc)
	return start, next
}

// checkCycleLocked rolls the window over when the cycle changed. Callers
// hold l.mu. It reports whether a rollover happened.
func (l *Ledger) checkCycleLocked(now time.Time) bool {
	key := DayKey(now, l.cfg.ResetHour, l.cfg.Location)
	if l.doc.Window.DayKey == key {
		return false
	}
	if l.doc.Window.DayKey == "" {
		l.doc.Window = freshWindow(key)
		return false
	}

	w := l.doc.Window
	l.doc.History = append(l.doc.History, ArchivedWindow{
		DayKey:         w.DayKey,
		Attempts:       w.Attempts,
		Successes:      w.Successes,
		Fails:          w.Fails,
		Targets:        len(w.RecordedTargets),
		Subjects:       len(w.RecordedSubjects),
		RunCount:       w.RunCount,
		FirstAttemptAt: w.FirstAttemptAt,
		LastAttemptAt:  w.LastAttemptAt,
		ArchivedAt:     now,
	})
	if over := len(l.doc.History) - l.cfg.HistoryRetention; over > 0 {
		l.doc.History = append([]ArchivedWindow(nil), l.doc.History[over:]...)
	}
	l.pruneRecordsLocked(now)
	l.doc.Window = freshWindow(key)
	l.rebuildIndexLocked()
	return true
}

func (l *Ledger) pruneRecordsLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.RecordRetention)
	kept := l.doc.Records[:0]
	for _, r := range l.doc.Records {
		if !r.At.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	l.doc.Records = kept
}

func freshWindow(key string) Window {
	return Window{DayKey: key, RecordedTargets: []string{}, RecordedSubjects: []string{}, BatchLog: []BatchEntry{}}
}
