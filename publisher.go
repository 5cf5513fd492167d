// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

// Hub represents a pubsub hub, such as pubsub.SimpleHub. The Publisher
// only ever publishes operations to the hub.
type Hub interface {
	Publish(topic string, data interface{}) func()
}

// OperationSource is a stream of operations, as returned by Open.
type OperationSource interface {
	Next() (Operation, error)
	Close() error
}

// PublisherConfig contains the configuration parameters required for a
// NewPublisher.
type PublisherConfig struct {
	// Source is the stream to publish from. The Publisher takes
	// ownership and closes it when it stops.
	Source OperationSource

	// Hub is where the operations are published to.
	Hub Hub

	// Topic is the topic every operation is published under.
	Topic string
}

// Validate ensures that all the values that have to be set are set.
func (config PublisherConfig) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("missing Source")
	}
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.Topic == "" {
		return errors.NotValidf("missing Topic")
	}
	return nil
}

// A Publisher fans an operation stream out to hub subscribers, so any
// number of in-process consumers can follow the oplog without managing
// the stream themselves. Entries that fail to decode are logged and
// skipped: subscribers only ever see Operation values.
type Publisher struct {
	tomb   tomb.Tomb
	config PublisherConfig
}

// NewPublisher starts a Publisher delivering config.Source to
// config.Hub.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Publisher invalid config")
	}
	p := &Publisher{
		config: config,
	}
	p.tomb.Go(func() error {
		err := p.loop()
		cause := errors.Cause(err)
		if err != nil && cause != tomb.ErrDying {
			logger.Infof("oplog publisher loop failed: %v", err)
		}
		return cause
	})
	p.tomb.Go(func() error {
		// Closing the source unblocks the loop when it sits in Next.
		<-p.tomb.Dying()
		return p.config.Source.Close()
	})
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Publisher) Kill() {
	p.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Publisher) Wait() error {
	return p.tomb.Wait()
}

// Stop kills the Publisher and waits for it to finish.
func (p *Publisher) Stop() error {
	return worker.Stop(p)
}

func (p *Publisher) loop() error {
	for {
		op, err := p.config.Source.Next()
		if err != nil {
			if IsDecodeError(err) {
				logger.Warningf("discarding undecodable oplog entry: %v", err)
				continue
			}
			if errors.Is(err, ErrClosed) {
				select {
				case <-p.tomb.Dying():
					return tomb.ErrDying
				default:
					// The source was closed out from under us.
					return errors.Trace(err)
				}
			}
			return errors.Trace(err)
		}
		p.config.Hub.Publish(p.config.Topic, op)
	}
}
