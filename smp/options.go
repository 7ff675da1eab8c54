package smp

import "time"

// Options tune a multipath connection. Both sides use the same options type.
type Options struct {
	// MaxSubflows caps the paths kept open per connection (active + standby)
	MaxSubflows int
	// DialTimeout bounds every subflow dial
	DialTimeout time.Duration
	// WriteTimeout bounds a single frame write on a subflow
	WriteTimeout time.Duration
	// HelloTimeout bounds the wait for the first frame of an accepted subflow
	HelloTimeout time.Duration
	// ProbeInterval is the period of path liveness probes
	ProbeInterval time.Duration
	// ProbeTimeout marks a path down when its probe is unanswered for that long
	ProbeTimeout time.Duration
	// LatencyFactor switches away from the active path once its RTT exceeds
	// LatencyFactor times the RTT of the best live alternative
	LatencyFactor float64
	// SendWindow bounds unacknowledged bytes; Write blocks beyond it
	SendWindow int
	// ReattachTimeout is how long the accepting side waits for the dialer to
	// open a new subflow after all of its subflows died
	ReattachTimeout time.Duration
	// CloseLinger is how long Close waits for outstanding data to be acknowledged
	CloseLinger time.Duration
	// MetricsInterval is the bandwidth sampling period
	MetricsInterval time.Duration
}

var defaultOptions = Options{
	MaxSubflows:     3,
	DialTimeout:     5 * time.Second,
	WriteTimeout:    5 * time.Second,
	HelloTimeout:    5 * time.Second,
	ProbeInterval:   1 * time.Second,
	ProbeTimeout:    3 * time.Second,
	LatencyFactor:   2.0,
	SendWindow:      4 * 1024 * 1024,
	ReattachTimeout: 10 * time.Second,
	CloseLinger:     2 * time.Second,
	MetricsInterval: 1 * time.Second,
}

func DefaultOptions() *Options {
	o := defaultOptions
	return &o
}

// withDefaults fills unset fields
func (o *Options) withDefaults() *Options {
	res := defaultOptions
	if o == nil {
		return &res
	}
	res = *o
	if res.MaxSubflows <= 0 {
		res.MaxSubflows = defaultOptions.MaxSubflows
	}
	if res.DialTimeout <= 0 {
		res.DialTimeout = defaultOptions.DialTimeout
	}
	if res.WriteTimeout <= 0 {
		res.WriteTimeout = defaultOptions.WriteTimeout
	}
	if res.HelloTimeout <= 0 {
		res.HelloTimeout = defaultOptions.HelloTimeout
	}
	if res.ProbeInterval <= 0 {
		res.ProbeInterval = defaultOptions.ProbeInterval
	}
	if res.ProbeTimeout <= 0 {
		res.ProbeTimeout = defaultOptions.ProbeTimeout
	}
	if res.LatencyFactor <= 1 {
		res.LatencyFactor = defaultOptions.LatencyFactor
	}
	if res.SendWindow <= 0 {
		res.SendWindow = defaultOptions.SendWindow
	}
	if res.ReattachTimeout <= 0 {
		res.ReattachTimeout = defaultOptions.ReattachTimeout
	}
	if res.CloseLinger < 0 {
		res.CloseLinger = 0
	}
	if res.MetricsInterval <= 0 {
		res.MetricsInterval = defaultOptions.MetricsInterval
	}
	return &res
}
