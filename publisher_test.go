// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog_test

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/pubsub/v2"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/oplog"
)

type publisherSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&publisherSuite{})

type nextResult struct {
	op  oplog.Operation
	err error
}

// fakeSource plays back scripted Next results and then blocks until
// closed, like a live stream sitting on an idle oplog.
type fakeSource struct {
	stub    *jujutesting.Stub
	results chan nextResult
	closed  chan struct{}
	once    sync.Once
}

func newFakeSource(stub *jujutesting.Stub, results ...nextResult) *fakeSource {
	ch := make(chan nextResult, len(results))
	for _, r := range results {
		ch <- r
	}
	return &fakeSource{
		stub:    stub,
		results: ch,
		closed:  make(chan struct{}),
	}
}

func (s *fakeSource) Next() (oplog.Operation, error) {
	select {
	case r := <-s.results:
		return r.op, r.err
	case <-s.closed:
		return nil, oplog.ErrClosed
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() {
		s.stub.AddCall("Close")
		close(s.closed)
	})
	return nil
}

func (s *publisherSuite) newPublisher(c *gc.C, config oplog.PublisherConfig) *oplog.Publisher {
	publisher, err := oplog.NewPublisher(config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.DirtyKill(c, publisher)
	})
	return publisher
}

func (s *publisherSuite) waitErr(c *gc.C, publisher *oplog.Publisher) error {
	errc := make(chan error, 1)
	go func() {
		errc <- publisher.Wait()
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for the publisher to stop")
	}
	return nil
}

func (s *publisherSuite) TestValidate(c *gc.C) {
	_, err := oplog.NewPublisher(oplog.PublisherConfig{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, "new Publisher invalid config: missing Source not valid")

	_, err = oplog.NewPublisher(oplog.PublisherConfig{
		Source: newFakeSource(&jujutesting.Stub{}),
	})
	c.Assert(err, gc.ErrorMatches, "new Publisher invalid config: missing Hub not valid")

	_, err = oplog.NewPublisher(oplog.PublisherConfig{
		Source: newFakeSource(&jujutesting.Stub{}),
		Hub:    pubsub.NewSimpleHub(nil),
	})
	c.Assert(err, gc.ErrorMatches, "new Publisher invalid config: missing Topic not valid")
}

func (s *publisherSuite) TestPublishesOperations(c *gc.C) {
	first := oplog.Insert{
		Details:  oplog.Details{Timestamp: ts(100, 1), Namespace: "foo.bar"},
		Document: bson.M{"_id": 1},
	}
	second := oplog.Noop{
		Details: oplog.Details{Timestamp: ts(100, 2)},
		Message: "periodic noop",
	}

	hub := pubsub.NewSimpleHub(nil)
	received := make(chan interface{}, 10)
	unsub := hub.Subscribe("oplog", func(topic string, data interface{}) {
		received <- data
	})
	defer unsub()

	stub := &jujutesting.Stub{}
	source := newFakeSource(stub, nextResult{op: first}, nextResult{op: second})
	publisher := s.newPublisher(c, oplog.PublisherConfig{
		Source: source,
		Hub:    hub,
		Topic:  "oplog",
	})

	for _, want := range []oplog.Operation{first, second} {
		select {
		case data := <-received:
			c.Assert(data, jc.DeepEquals, want)
		case <-time.After(longWait):
			c.Fatalf("timed out waiting for %v to be published", want)
		}
	}

	workertest.CleanKill(c, publisher)
	stub.CheckCallNames(c, "Close")
}

func (s *publisherSuite) TestSkipsUndecodableEntries(c *gc.C) {
	op := oplog.Noop{
		Details: oplog.Details{Timestamp: ts(100, 2)},
		Message: "still here",
	}

	hub := pubsub.NewSimpleHub(nil)
	received := make(chan interface{}, 10)
	unsub := hub.Subscribe("oplog", func(topic string, data interface{}) {
		received <- data
	})
	defer unsub()

	stub := &jujutesting.Stub{}
	source := newFakeSource(stub,
		nextResult{err: &oplog.MissingFieldError{Field: "op"}},
		nextResult{op: op},
	)
	publisher := s.newPublisher(c, oplog.PublisherConfig{
		Source: source,
		Hub:    hub,
		Topic:  "oplog",
	})

	select {
	case data := <-received:
		c.Assert(data, jc.DeepEquals, op)
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for the operation to be published")
	}
	workertest.CleanKill(c, publisher)
}

func (s *publisherSuite) TestStreamFailureStopsWorker(c *gc.C) {
	hub := pubsub.NewSimpleHub(nil)
	received := make(chan interface{}, 10)
	unsub := hub.Subscribe("oplog", func(topic string, data interface{}) {
		received <- data
	})
	defer unsub()

	stub := &jujutesting.Stub{}
	source := newFakeSource(stub, nextResult{err: errors.New("boom")})
	publisher := s.newPublisher(c, oplog.PublisherConfig{
		Source: source,
		Hub:    hub,
		Topic:  "oplog",
	})

	c.Assert(s.waitErr(c, publisher), gc.ErrorMatches, "boom")
	stub.CheckCallNames(c, "Close")
	select {
	case data := <-received:
		c.Fatalf("unexpected publish: %v", data)
	default:
	}
}

func (s *publisherSuite) TestSourceClosedExternally(c *gc.C) {
	stub := &jujutesting.Stub{}
	source := newFakeSource(stub)
	publisher := s.newPublisher(c, oplog.PublisherConfig{
		Source: source,
		Hub:    pubsub.NewSimpleHub(nil),
		Topic:  "oplog",
	})

	c.Assert(source.Close(), jc.ErrorIsNil)
	c.Assert(s.waitErr(c, publisher), jc.ErrorIs, oplog.ErrClosed)
}

func (s *publisherSuite) TestStop(c *gc.C) {
	stub := &jujutesting.Stub{}
	source := newFakeSource(stub)
	publisher := s.newPublisher(c, oplog.PublisherConfig{
		Source: source,
		Hub:    pubsub.NewSimpleHub(nil),
		Topic:  "oplog",
	})

	c.Assert(publisher.Stop(), jc.ErrorIsNil)
	stub.CheckCallNames(c, "Close")
}
