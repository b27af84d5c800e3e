package eventloop

// Snapshot is a lightweight diagnostics view for operators and /health.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`

	Executed         uint64 `json:"executed"`
	Panics           uint64 `json:"panics"`
	SkippedCancelled uint64 `json:"skipped_cancelled"`
	ReclaimedTasks   uint64 `json:"reclaimed_tasks"`
	RejectedStopped  uint64 `json:"rejected_stopped"`

	Wakeups           uint64 `json:"wakeups"`
	PollErrors        uint64 `json:"poll_errors"`
	SignalsDispatched uint64 `json:"signals_dispatched"`
	DataReady         uint64 `json:"data_ready"`
	EventsEmitted     uint64 `json:"events_emitted"`

	GoroutinesActive  int64  `json:"goroutines_active"`
	GoroutinesStarted uint64 `json:"goroutines_started"`
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	running := l.running
	sup := l.sup
	l.mu.Unlock()

	c := sup.Counters()

	return Snapshot{
		Running:  running,
		Workers:  l.cfg.Workers,
		QueueLen: l.q.len(),

		GoroutinesActive:  c.Active,
		GoroutinesStarted: c.Started,

		Executed:         l.stats.executed.Load(),
		Panics:           l.stats.panics.Load(),
		SkippedCancelled: l.stats.skipped.Load(),
		ReclaimedTasks:   l.stats.reclaimed.Load(),
		RejectedStopped:  l.stats.rejected.Load(),

		Wakeups:           l.stats.wakeups.Load(),
		PollErrors:        l.stats.pollErrors.Load(),
		SignalsDispatched: l.stats.signals.Load(),
		DataReady:         l.stats.dataReady.Load(),
		EventsEmitted:     l.stats.emits.Load(),
	}
}
