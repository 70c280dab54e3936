package webmonitor

import "time"

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr               string
	StatusInterval     time.Duration // period of /api/status/stream updates
	KeepaliveInterval  time.Duration // idle time before a stream resends or pings
	HistorySize        int           // detection events kept for /api/status
	EventBuffer        int           // per-client event queue before the client is dropped
	PreviewMaxWidth    int
	PreviewQuality     int
	PlaceholderCaption string
}

// DefaultConfig returns the default web monitor configuration.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		StatusInterval:     2 * time.Second,
		KeepaliveInterval:  30 * time.Second,
		HistorySize:        8,
		EventBuffer:        64,
		PreviewMaxWidth:    960,
		PreviewQuality:     80,
		PlaceholderCaption: "waiting for frames",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
