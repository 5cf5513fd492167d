// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/worker/v4"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"
)

// PollStrategy is used to determine how long to delay between polls
// after the tailing cursor dies cleanly. A new timer is created each
// time a document is delivered.
//
// It must not be changed when any tailers are active.
var PollStrategy retry.Strategy = retry.Exponential{
	Initial:  10 * time.Millisecond,
	Factor:   1.5,
	MaxDelay: 5 * time.Second,
}

// cappedPositionLost is the server error code raised when a tailing
// cursor's position is overwritten by the capped collection rolling
// over before the cursor catches up.
const cappedPositionLost = 136

// TailerConfig contains the configuration parameters required for a
// NewTailer.
type TailerConfig struct {
	// Session is used exclusively by this Tailer and is closed when
	// the Tailer stops.
	Session Session

	// FromTimestamp is the exclusive lower bound to start tailing
	// from. Zero starts at the current end of the oplog.
	FromTimestamp bson.MongoTimestamp

	// Clock paces requeries. Defaults to the wall clock.
	Clock clock.Clock

	// Metrics records tailer activity when set.
	Metrics *Collector
}

// Validate ensures that all the values that have to be set are set.
func (config TailerConfig) Validate() error {
	if config.Session == nil {
		return errors.NotValidf("missing Session")
	}
	return nil
}

// A Tailer tails the replica set oplog and delivers each raw document
// on its output channel, reopening the cursor whenever the server
// kills it, so that the stream only ends when the Tailer is stopped or
// hits an unrecoverable error.
type Tailer struct {
	tomb   tomb.Tomb
	config TailerConfig
	out    chan bson.D
}

// NewTailer starts a Tailer reading from config.Session.
func NewTailer(config TailerConfig) (*Tailer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Tailer invalid config")
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	t := &Tailer{
		config: config,
		out:    make(chan bson.D),
	}
	t.tomb.Go(func() error {
		err := t.loop()
		cause := errors.Cause(err)
		// tomb expects ErrDying or ErrStillAlive as exact values, so
		// we need to log and unwrap the error first.
		if err != nil && cause != tomb.ErrDying {
			logger.Infof("oplog tailer loop failed: %v", err)
		}
		return cause
	})
	return t, nil
}

// Out returns the channel the raw oplog documents are delivered on.
// It is closed when the Tailer stops.
func (t *Tailer) Out() <-chan bson.D {
	return t.out
}

// Kill is part of the worker.Worker interface.
func (t *Tailer) Kill() {
	t.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (t *Tailer) Wait() error {
	return t.tomb.Wait()
}

// Stop kills the Tailer and waits for it to finish.
func (t *Tailer) Stop() error {
	return worker.Stop(t)
}

// Dead returns a channel that is closed when the Tailer has stopped.
func (t *Tailer) Dead() <-chan struct{} {
	return t.tomb.Dead()
}

// Err returns the error with which the Tailer stopped. It returns nil
// if the Tailer stopped cleanly, tomb.ErrStillAlive if it is still
// running, or the respective error if it is terminating or has
// terminated with an error.
func (t *Tailer) Err() error {
	return t.tomb.Err()
}

func (t *Tailer) loop() error {
	defer close(t.out)
	defer t.config.Session.Close()

	clk := t.config.Clock
	lastSeen := t.config.FromTimestamp
	backoff := PollStrategy.NewTimer(clk.Now())
	for {
		if lastSeen > 0 {
			if err := t.checkPosition(lastSeen); err != nil {
				return errors.Trace(err)
			}
		}
		iter := t.config.Session.NewIter(lastSeen)
		delivered := false
		for {
			var doc bson.D
			if iter.Next(&doc) {
				// Track the position even when the document turns out
				// not to decode, so a requery does not replay it.
				if ts, ok := lookupTimestamp(doc); ok {
					lastSeen = ts
					t.config.Metrics.observeEntry(ts)
				}
				select {
				case t.out <- doc:
					delivered = true
				case <-t.tomb.Dying():
					iter.Close()
					return tomb.ErrDying
				}
				continue
			}
			if iter.Timeout() {
				// The await window elapsed with the cursor still
				// alive; poll it again.
				select {
				case <-t.tomb.Dying():
					iter.Close()
					return tomb.ErrDying
				default:
				}
				continue
			}
			break
		}
		err := iter.Close()
		select {
		case <-t.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		if err != nil {
			if isPositionLost(err) {
				return errors.Trace(errors.WithType(err, ErrPositionLost))
			}
			return errors.Annotate(err, "oplog iteration failed")
		}

		// The cursor died cleanly. Requery from the last position
		// after a backoff step.
		t.config.Metrics.observeReopen()
		if delivered {
			backoff = PollStrategy.NewTimer(clk.Now())
		}
		d, ok := backoff.NextSleep(clk.Now())
		if !ok {
			backoff = PollStrategy.NewTimer(clk.Now())
			d, _ = backoff.NextSleep(clk.Now())
		}
		logger.Tracef("oplog cursor died, requerying after %v", d)
		select {
		case <-t.tomb.Dying():
			return tomb.ErrDying
		case <-clk.After(d):
		}
	}
}

// checkPosition fails the Tailer when the oplog no longer retains the
// entry the stream would resume after, since the entries between it
// and the oldest retained one can have been truncated unobserved.
func (t *Tailer) checkPosition(lastSeen bson.MongoTimestamp) error {
	oldest, err := t.config.Session.OldestTimestamp()
	if err != nil {
		return errors.Annotate(err, "checking oplog position")
	}
	if oldest > lastSeen {
		return errors.WithType(
			errors.Errorf("oplog position %s predates the oldest entry %s",
				timestampString(lastSeen), timestampString(oldest)),
			ErrPositionLost,
		)
	}
	return nil
}

func isPositionLost(err error) bool {
	qerr, ok := errors.Cause(err).(*mgo.QueryError)
	return ok && qerr.Code == cappedPositionLost
}

func lookupTimestamp(doc bson.D) (bson.MongoTimestamp, bool) {
	for _, elem := range doc {
		if elem.Name != "ts" {
			continue
		}
		ts, ok := elem.Value.(bson.MongoTimestamp)
		return ts, ok
	}
	return 0, false
}
