// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
)

// The oplog is a capped collection in the local database, present on
// every replica set member.
const (
	localDBName         = "local"
	oplogCollectionName = "oplog.rs"
)

// oplogTailTimeout is how long each tailing poll waits server-side for
// new entries before returning control to the loop.
const oplogTailTimeout = time.Second

// GetOplog returns the the oplog collection in the local database.
func GetOplog(session *mgo.Session) *mgo.Collection {
	return session.DB(localDBName).C(oplogCollectionName)
}

// Iterator defines the parts of mgo.Iter the tailer relies on. The
// combinations of results that matter are:
//
//	Next true                      a document was delivered
//	Next false, Timeout true       the await window elapsed, poll again
//	Next false, Close non-nil      the cursor failed
//	Next false otherwise           the cursor died cleanly; requery
//
// A tailable cursor on a capped collection also dies immediately when
// the collection is empty at query time (SERVER-13955), which lands in
// the requery case like any other clean death.
type Iterator interface {
	Next(result interface{}) bool
	Timeout() bool
	Close() error
}

// Session provides the oplog the tailer reads. It exists so that the
// tailing loop can be exercised without a MongoDB server.
type Session interface {
	// NewIter opens a tailing iterator over the oplog, bounded below
	// (exclusively) by fromExclusive when it is non-zero.
	NewIter(fromExclusive bson.MongoTimestamp) Iterator

	// OldestTimestamp returns the timestamp of the oldest entry the
	// oplog retains, or zero when the oplog is empty.
	OldestTimestamp() (bson.MongoTimestamp, error)

	// Close releases the underlying resources. The Session is not
	// usable afterwards.
	Close()
}

// NewOplogSession returns a Session tailing the oplog with the given
// base query clauses and batch size hint (zero leaves the driver
// default in place). The returned Session copies the input session and
// owns the copy: Close releases it.
func NewOplogSession(session *mgo.Session, query bson.D, batchSize int) Session {
	copied := session.Copy()
	// The server must not reap the cursor between polls.
	copied.SetCursorTimeout(0)
	return &oplogSession{
		session:   copied,
		query:     query,
		batchSize: batchSize,
	}
}

type oplogSession struct {
	session   *mgo.Session
	query     bson.D
	batchSize int
}

// NewIter is part of the Session interface.
func (s *oplogSession) NewIter(fromExclusive bson.MongoTimestamp) Iterator {
	q := GetOplog(s.session).Find(resumeQuery(s.query, fromExclusive))
	if fromExclusive > 0 {
		// The oplogReplay optimisation is only valid for queries
		// bounded on ts.
		q = q.LogReplay()
	}
	if s.batchSize > 0 {
		q = q.Batch(s.batchSize)
	}
	return q.Tail(oplogTailTimeout)
}

// OldestTimestamp is part of the Session interface.
func (s *oplogSession) OldestTimestamp() (bson.MongoTimestamp, error) {
	var doc struct {
		Timestamp bson.MongoTimestamp `bson:"ts"`
	}
	err := GetOplog(s.session).Find(nil).Sort("$natural").One(&doc)
	if err == mgo.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotate(err, "getting oldest oplog entry")
	}
	return doc.Timestamp, nil
}

// Close is part of the Session interface.
func (s *oplogSession) Close() {
	s.session.Close()
}

// resumeQuery bounds the base query below when there is a position to
// take up from. Oplog timestamps are unique per primary, so an
// exclusive bound resumes without duplicates. The base is never
// mutated.
func resumeQuery(base bson.D, fromExclusive bson.MongoTimestamp) bson.D {
	if fromExclusive == 0 {
		return base
	}
	return append(base[:len(base):len(base)], bson.DocElem{
		Name:  "ts",
		Value: bson.D{{"$gt", fromExclusive}},
	})
}
