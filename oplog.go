// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/replicaset/v3"
)

var logger = loggo.GetLogger("juju.oplog")

// Config contains the configuration parameters for Open.
type Config struct {
	// Filter holds extra query clauses ANDed into the oplog query, so
	// entries are discarded by the server rather than the client. For
	// example bson.D{{"op", "i"}} restricts the stream to inserts.
	Filter bson.D

	// Namespaces restricts the stream to entries touching the given
	// "database.collection" namespaces. Duplicates are ignored.
	Namespaces []string

	// ResumeAfter is the timestamp of the last entry a previous
	// stream delivered. The new stream takes up exclusively after it.
	// Zero starts at the current end of the oplog.
	ResumeAfter bson.MongoTimestamp

	// BatchSize hints how many entries each server reply carries.
	// Zero leaves the driver default in place.
	BatchSize int

	// Clock paces cursor requeries. Defaults to the wall clock.
	Clock clock.Clock

	// Metrics records stream activity when set.
	Metrics *Collector
}

// Validate ensures the configuration is usable.
func (config Config) Validate() error {
	if config.BatchSize < 0 {
		return errors.NotValidf("negative BatchSize")
	}
	for _, namespace := range config.Namespaces {
		if namespace == "" {
			return errors.NotValidf("empty namespace")
		}
	}
	return nil
}

// Open starts tailing the replica set oplog reachable through session.
// The session must be connected to a replica set member; Open fails
// fast otherwise rather than returning a stream that never delivers.
// The returned Oplog reads independently of session and survives it
// being closed.
func Open(session *mgo.Session, config Config) (*Oplog, error) {
	if session == nil {
		return nil, errors.NotValidf("nil session")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	if err := session.Ping(); err != nil {
		return nil, errors.Annotate(err, "oplog server unreachable")
	}
	status, err := replicaset.CurrentStatus(session)
	if err != nil {
		return nil, errors.Annotate(err, "oplog requires a replica set member")
	}
	logger.Debugf("opening oplog stream against a replica set of %d members", len(status.Members))

	oplogSession := NewOplogSession(session, buildQuery(config), config.BatchSize)
	if config.ResumeAfter > 0 {
		oldest, err := oplogSession.OldestTimestamp()
		if err != nil {
			oplogSession.Close()
			return nil, errors.Trace(err)
		}
		if oldest > config.ResumeAfter {
			oplogSession.Close()
			return nil, errors.WithType(
				errors.Errorf("resume position %s predates the oldest oplog entry %s",
					timestampString(config.ResumeAfter), timestampString(oldest)),
				ErrPositionLost,
			)
		}
	}
	tailer, err := NewTailer(TailerConfig{
		Session:       oplogSession,
		FromTimestamp: config.ResumeAfter,
		Clock:         config.Clock,
		Metrics:       config.Metrics,
	})
	if err != nil {
		oplogSession.Close()
		return nil, errors.Trace(err)
	}
	return &Oplog{
		tailer:  tailer,
		metrics: config.Metrics,
	}, nil
}

func buildQuery(config Config) bson.D {
	query := append(bson.D{}, config.Filter...)
	if len(config.Namespaces) > 0 {
		namespaces := set.NewStrings(config.Namespaces...)
		query = append(query, bson.DocElem{
			Name:  "ns",
			Value: bson.D{{"$in", namespaces.SortedValues()}},
		})
	}
	return query
}

// Oplog is an infinite stream of decoded oplog entries. It stays
// silent while the oplog is idle and resumes transparently when the
// server kills the tailing cursor; it only ends on Close or on an
// unrecoverable failure.
type Oplog struct {
	tailer  *Tailer
	metrics *Collector

	// done records that the stream has reported its end, either the
	// terminal error or the close. Only Next touches it; Next is not
	// safe for concurrent use.
	done bool
}

// Next returns the next oplog entry, blocking for as long as the oplog
// stays idle. When an entry does not satisfy the decoding contract,
// Next returns the decode error for it and the following call moves on
// to the next entry; IsDecodeError distinguishes these from stream
// failures. A stream failure is returned exactly once, after which
// Next returns ErrClosed, as it does after Close.
//
// Next is not safe for concurrent use. Close may be called while a
// Next is blocked and unblocks it.
func (o *Oplog) Next() (Operation, error) {
	if o.done {
		return nil, ErrClosed
	}
	doc, ok := <-o.tailer.Out()
	if !ok {
		o.done = true
		if err := o.tailer.Wait(); err != nil {
			return nil, errors.Trace(err)
		}
		return nil, ErrClosed
	}
	op, err := DecodeOperation(doc)
	if err != nil {
		o.metrics.observeDecodeFailure()
		logger.Tracef("discarding oplog entry: %v", err)
		return nil, errors.Trace(err)
	}
	o.metrics.observeOperation(op.Kind())
	return op, nil
}

// Close stops the stream and releases its cursor and session. It is
// idempotent. If the stream already failed, Close returns the failure.
func (o *Oplog) Close() error {
	return o.tailer.Stop()
}
