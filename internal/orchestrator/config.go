package orchestrator

import "time"

type Config struct {
	MinLanes int
	MaxLanes int

	StaggerMin time.Duration
	StaggerMax time.Duration

	BatchDelayBase   time.Duration
	BatchDelayJitter time.Duration
	// SleepIncrement is the chunk size of inter-batch sleeps; pause and
	// cancel are honoured between chunks.
	SleepIncrement time.Duration
	PausePoll      time.Duration

	NavTimeout   time.Duration
	FillTimeout  time.Duration
	MatchTimeout time.Duration
	RiskTimeout  time.Duration

	RetryFailedBatches bool

	Cooldown CooldownConfig

	// HistorySize bounds the finished runs kept for status queries.
	HistorySize int
}

func DefaultConfig() Config {
	return Config{
		MinLanes:           2,
		MaxLanes:           3,
		StaggerMin:         1500 * time.Millisecond,
		StaggerMax:         4 * time.Second,
		BatchDelayBase:     45 * time.Second,
		BatchDelayJitter:   30 * time.Second,
		SleepIncrement:     500 * time.Millisecond,
		PausePoll:          500 * time.Millisecond,
		NavTimeout:         45 * time.Second,
		FillTimeout:        90 * time.Second,
		MatchTimeout:       2 * time.Minute,
		RiskTimeout:        10 * time.Second,
		RetryFailedBatches: true,
		Cooldown:           CooldownConfig{Threshold: 1, Base: 30 * time.Minute, Max: 6 * time.Hour, ResetAfter: 24 * time.Hour},
		HistorySize:        50,
	}
}

// withDefaults fills zero fields from DefaultConfig. Zero stagger and delay
// values are kept: they are valid and used by tests.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinLanes <= 0 {
		c.MinLanes = d.MinLanes
	}
	if c.MaxLanes <= 0 {
		c.MaxLanes = max(d.MaxLanes, c.MinLanes)
	}
	if c.MaxLanes < c.MinLanes {
		c.MaxLanes = c.MinLanes
	}
	if c.StaggerMax < c.StaggerMin {
		c.StaggerMax = c.StaggerMin
	}
	if c.SleepIncrement <= 0 {
		c.SleepIncrement = d.SleepIncrement
	}
	if c.PausePoll <= 0 {
		c.PausePoll = d.PausePoll
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = d.NavTimeout
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = d.FillTimeout
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = d.MatchTimeout
	}
	if c.RiskTimeout <= 0 {
		c.RiskTimeout = d.RiskTimeout
	}
	c.Cooldown = c.Cooldown.withDefaults()
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}
