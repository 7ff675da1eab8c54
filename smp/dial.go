package smp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/netsys-lab/bittorrent-over-scion/bterrors"
	"github.com/netsys-lab/bittorrent-over-scion/pathselection"
	"github.com/netsys-lab/bittorrent-over-scion/socket"
	"go.uber.org/multierr"
)

var errNoCandidates = errors.New("no candidate paths")

// Dial connects to remote trying candidates in order. It fails with a
// ConnectFailure only when every candidate failed. After the first path is
// up, standby subflows are opened over the next candidates up to MaxSubflows.
func Dial(ctx context.Context, dialer socket.Dialer, remote string, candidates []*pathselection.Path, opts *Options) (*Conn, error) {
	if len(candidates) == 0 {
		return nil, bterrors.New(bterrors.KindConnectFailure, "dial "+remote, errNoCandidates)
	}
	c := newConn(uuid.New(), opts, remote, dialer, candidates)
	var errs error
	for c.liveCount() == 0 {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		path := c.claimCandidate()
		if path == nil {
			break
		}
		if _, err := c.dialSubflowCtx(ctx, path); err != nil {
			c.log.Debugf("[Transport] Dial over %s failed: %s", path.Fingerprint, err)
			errs = multierr.Append(errs, err)
		}
	}
	if c.liveCount() == 0 {
		c.teardown()
		if errs == nil {
			errs = errNoCandidates
		}
		return nil, bterrors.New(bterrors.KindConnectFailure, "dial "+remote, errs)
	}

	for c.liveCount() < c.opts.MaxSubflows && ctx.Err() == nil {
		path := c.claimCandidate()
		if path == nil {
			break
		}
		if _, err := c.dialSubflowCtx(ctx, path); err != nil {
			c.log.Debugf("[Transport] Standby dial over %s failed: %s", path.Fingerprint, err)
		}
	}

	c.start()
	c.log.Infof("[Transport] Connected over %d of %d paths, active %s", c.liveCount(), len(candidates), c.ActivePath())
	return c, nil
}

// contextWithParent bounds a dial by timeout, by parent and by the connection lifetime
func contextWithParent(parent context.Context, timeout time.Duration, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
