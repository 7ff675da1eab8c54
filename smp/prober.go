package smp

import (
	"fmt"
	"time"

	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/packets"
)

// probeLoop runs once per connection: it pings every open path, declares
// paths without answer within ProbeTimeout down, moves away from slow
// paths and keeps standby subflows open on the dialing side
func (c *Conn) probeLoop() {
	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.probe(now)
		}
	}
}

func (c *Conn) probe(now time.Time) {
	c.metrics.Tick(now)

	type ping struct {
		sf    *subflow
		nonce uint64
	}
	var pings []ping
	var expired []*subflow

	c.mu.Lock()
	for _, sf := range c.subflows {
		if sf.down {
			continue
		}
		if sf.pingActive {
			if now.Sub(sf.pingSent) > c.opts.ProbeTimeout {
				expired = append(expired, sf)
			}
			continue
		}
		c.pingSeq++
		sf.pingNonce = c.pingSeq
		sf.pingSent = now
		sf.pingActive = true
		pings = append(pings, ping{sf, c.pingSeq})
	}
	c.mu.Unlock()

	for _, p := range pings {
		if !p.sf.queueControl(&packets.Frame{Kind: packets.FramePing, Seq: p.nonce}) {
			c.mu.Lock()
			p.sf.pingActive = false
			c.mu.Unlock()
		}
	}
	for _, sf := range expired {
		err := bterrors.New(bterrors.KindTimeout, "probe",
			fmt.Errorf("no answer on %s within %s", sf.fingerprint(), c.opts.ProbeTimeout))
		c.subflowFailed(sf, err)
	}

	c.checkLatency()
	c.maintainStandby()
}

// checkLatency switches when the active path is LatencyFactor times slower
// than the best live alternative
func (c *Conn) checkLatency() {
	c.mu.Lock()
	active := c.active
	best := c.bestLiveSubflowLocked()
	c.mu.Unlock()
	if active == nil || best == nil || best == active {
		return
	}
	activeRTT, ok1 := active.health.RTT()
	bestRTT, ok2 := best.health.RTT()
	if !ok1 || !ok2 {
		return
	}
	if float64(activeRTT) > c.opts.LatencyFactor*float64(bestRTT) {
		c.switchTo(best, fmt.Sprintf("rtt %s vs %s", activeRTT, bestRTT))
	}
}

// maintainStandby opens one more subflow over an untried candidate while
// fewer than MaxSubflows are open
func (c *Conn) maintainStandby() {
	if c.dialer == nil || c.liveCount() >= c.opts.MaxSubflows {
		return
	}
	if c.stateErr() != nil || !c.startDial() {
		return
	}
	path := c.claimCandidate()
	if path == nil {
		c.endDial()
		return
	}
	go func() {
		defer c.endDial()
		if _, err := c.dialSubflow(path); err != nil {
			c.log.Debugf("[Transport] Standby dial over %s failed: %s", path.Fingerprint, err)
		}
	}()
}
