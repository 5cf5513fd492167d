// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package oplog provides a typed, tailing client for the operation
// log of a MongoDB replica set.
//
// Every write a replica set primary accepts is recorded in the capped
// collection local.oplog.rs, in timestamp order, and truncated from
// the front as the collection rolls over. Open tails that collection
// and returns an Oplog: an infinite stream whose Next method yields
// each entry decoded into an Operation (Insert, Update, Delete,
// Command, ApplyOps or Noop). The stream blocks while the oplog is
// idle, reopens the server cursor whenever it dies, and only ends when
// it is closed or when it cannot continue without missing entries.
//
// Entries can be filtered server-side through Config.Filter and
// Config.Namespaces, and a stream can resume where a previous one
// stopped by persisting the last delivered Details.Timestamp and
// passing it as Config.ResumeAfter. If the oplog has rolled past that
// position in the meantime, Open (or a later Next) fails with
// ErrPositionLost rather than skipping entries silently.
//
// The package suits change data capture, cache and search index
// invalidation, audit trails and debugging. It reads the oplog of a
// single replica set; merging the shard oplogs of a cluster and
// applying operations elsewhere are out of its scope.
package oplog
