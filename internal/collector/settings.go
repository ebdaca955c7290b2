package collector

import (
	"time"

	"github.com/goodtune/mediatrace/internal/config"
	"github.com/goodtune/mediatrace/internal/event"
	"github.com/goodtune/mediatrace/internal/page"
	"github.com/goodtune/mediatrace/internal/queue"
)

// Settings is the runtime form of config.CollectorConfig.
type Settings struct {
	Enabled           bool
	Endpoint          string
	SendInterval      time.Duration
	MaxBatchSize      int
	ProgressThrottle  time.Duration
	ImmediateTypes    []event.Type
	QueueCapacity     int
	MaxAttempts       int
	AutoDetect        bool
	InstrumentPlayers bool
	DedupWindow       time.Duration
	RequestTimeout    time.Duration
}

// SettingsFromConfig converts the configuration section, falling back to
// defaults for unparseable durations.
func SettingsFromConfig(cfg config.CollectorConfig) Settings {
	types := make([]event.Type, 0, len(cfg.ImmediateTypes))
	for _, t := range cfg.ImmediateTypes {
		types = append(types, event.Type(t))
	}
	return Settings{
		Enabled:           cfg.Enabled,
		Endpoint:          cfg.Endpoint,
		SendInterval:      parseDuration(cfg.SendInterval, queue.DefaultSendInterval),
		MaxBatchSize:      cfg.MaxBatchSize,
		ProgressThrottle:  parseDuration(cfg.ProgressThrottle, 5*time.Second),
		ImmediateTypes:    types,
		QueueCapacity:     cfg.QueueCapacity,
		MaxAttempts:       cfg.MaxAttempts,
		AutoDetect:        cfg.AutoDetect,
		InstrumentPlayers: cfg.InstrumentPlayers,
		DedupWindow:       parseDuration(cfg.DedupWindow, page.DefaultDedupWindow),
		RequestTimeout:    parseDuration(cfg.RequestTimeout, queue.DefaultRequestTimeout),
	}
}

func (s Settings) queueSettings() queue.Settings {
	return queue.Settings{
		Enabled:        s.Enabled,
		SendInterval:   s.SendInterval,
		MaxBatchSize:   s.MaxBatchSize,
		Capacity:       s.QueueCapacity,
		MaxAttempts:    s.MaxAttempts,
		ImmediateTypes: s.ImmediateTypes,
		RequestTimeout: s.RequestTimeout,
	}
}

func (s Settings) pageSettings() page.Settings {
	return page.Settings{
		AutoDetect:  s.AutoDetect,
		DedupWindow: s.DedupWindow,
	}
}

func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if s == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultDuration
	}
	return d
}
