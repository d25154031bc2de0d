package replica

import (
	"errors"
	"time"

	"noderepl/pkg/errs"
	"noderepl/pkg/listener"
)

// NewSyncer returns a listener that calls Sync on r every interval using tok.
//
// A replica that receives no operations stops consuming its logs, and the
// logs cannot reclaim entries it has not applied. Running a syncer per replica
// keeps idle replicas from blocking appenders on the others.
//
// The token must not be used elsewhere while the syncer runs.
func NewSyncer[R, W Operation, Resp any](r *Replica[R, W, Resp], tok Token, interval time.Duration) *listener.Listener[time.Time] {
	return listener.NewTicker(interval, func(time.Time) error {
		err := r.Sync(tok)
		if errors.Is(err, errs.ErrClosed) {
			return nil
		}
		return err
	}).WithLogger(r.logger)
}
