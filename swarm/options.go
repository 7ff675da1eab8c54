package swarm

import (
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/session"
)

type Options struct {
	// MaxOutstanding caps block requests in flight per torrent over all sessions
	MaxOutstanding int
	// BlockSize is the request granularity inside a piece
	BlockSize int
	// HashWorkers bounds concurrent piece verifications over all torrents
	HashWorkers int
	// ReconnectInterval is the pause before a lost or failed peer is dialed again
	ReconnectInterval time.Duration
	// MaxDialFailures drops a peer after that many consecutive failed dials
	MaxDialFailures int
	// DialTimeout bounds one dial including the path lookup
	DialTimeout time.Duration
	// DemoteScore is the failure score from which a peer is only used
	// after all healthy peers are saturated
	DemoteScore float64
	// TimeoutPenalty and HashFailurePenalty are added to a peer's score
	TimeoutPenalty     float64
	HashFailurePenalty float64
	// ScoreDecay is subtracted from the score for each block delivered
	ScoreDecay float64
	Session    session.Config
}

var defaultOptions = Options{
	MaxOutstanding:     128,
	BlockSize:          16 * 1024,
	HashWorkers:        4,
	ReconnectInterval:  10 * time.Second,
	MaxDialFailures:    5,
	DialTimeout:        15 * time.Second,
	DemoteScore:        3,
	TimeoutPenalty:     1,
	HashFailurePenalty: 3,
	ScoreDecay:         0.1,
	Session:            session.DefaultConfig(),
}

func DefaultOptions() Options {
	return defaultOptions
}

func (o Options) withDefaults() Options {
	if o.MaxOutstanding <= 0 {
		o.MaxOutstanding = defaultOptions.MaxOutstanding
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultOptions.BlockSize
	}
	if o.HashWorkers <= 0 {
		o.HashWorkers = defaultOptions.HashWorkers
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = defaultOptions.ReconnectInterval
	}
	if o.MaxDialFailures <= 0 {
		o.MaxDialFailures = defaultOptions.MaxDialFailures
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultOptions.DialTimeout
	}
	if o.DemoteScore <= 0 {
		o.DemoteScore = defaultOptions.DemoteScore
	}
	if o.TimeoutPenalty <= 0 {
		o.TimeoutPenalty = defaultOptions.TimeoutPenalty
	}
	if o.HashFailurePenalty <= 0 {
		o.HashFailurePenalty = defaultOptions.HashFailurePenalty
	}
	if o.ScoreDecay <= 0 {
		o.ScoreDecay = defaultOptions.ScoreDecay
	}
	return o
}
