// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// Kind identifies the type of an oplog entry, using the single
// character tags MongoDB records in the entry's "op" field.
type Kind string

const (
	// KindNoop is an informational no-op entry ("n").
	KindNoop Kind = "n"
	// KindInsert is a document insert ("i").
	KindInsert Kind = "i"
	// KindUpdate is a document update ("u").
	KindUpdate Kind = "u"
	// KindDelete is a document delete ("d").
	KindDelete Kind = "d"
	// KindCommand is a database command ("c"), including applyOps.
	KindCommand Kind = "c"
)

// Details holds the metadata common to every oplog entry.
type Details struct {
	// Timestamp is the hybrid BSON timestamp of the entry: the upper
	// 32 bits hold seconds since the Unix epoch and the lower 32 bits
	// an ordinal distinguishing entries within the same second. It is
	// unique per primary and drives ordering and resumption.
	Timestamp bson.MongoTimestamp

	// OperationID is the legacy unique identifier from the "h" field.
	// Zero when the server does not record one; MongoDB 4.2 and later
	// omit it entirely.
	OperationID int64

	// Term is the replica set election term from the "t" field, zero
	// when absent. A change in term indicates a new primary.
	Term int64

	// Namespace is the "database.collection" the entry applies to.
	// Empty for no-op entries.
	Namespace string
}

// Meta returns the entry metadata. It exists so that every Operation
// exposes its embedded Details through the interface.
func (d Details) Meta() Details {
	return d
}

// Time returns the wall clock component of the entry's timestamp.
func (d Details) Time() time.Time {
	return TimestampTime(d.Timestamp)
}

// NewTimestamp returns the earliest BSON timestamp for the given time,
// suitable as a resumption bound.
func NewTimestamp(t time.Time) bson.MongoTimestamp {
	unixTime := t.Unix()
	if unixTime < 0 {
		unixTime = 0
	}
	return bson.MongoTimestamp(unixTime << 32)
}

// TimestampTime returns the wall clock component of a BSON timestamp.
// The ordinal component is discarded.
func TimestampTime(ts bson.MongoTimestamp) time.Time {
	return time.Unix(int64(ts)>>32, 0)
}

func timestampString(ts bson.MongoTimestamp) string {
	return fmt.Sprintf("(%d,%d)", int64(ts)>>32, uint32(ts))
}

// Operation is a single decoded oplog entry. The concrete type is one
// of Noop, Insert, Update, Delete, Command or ApplyOps.
type Operation interface {
	fmt.Stringer

	// Kind reports the entry's operation tag.
	Kind() Kind

	// Meta returns the metadata common to all entries.
	Meta() Details
}

// Noop is an informational entry that changes no data, such as the
// periodic heartbeat the primary writes.
type Noop struct {
	Details

	// Message is the "o.msg" text recorded with the entry.
	Message string
}

// Kind is part of the Operation interface.
func (o Noop) Kind() Kind {
	return KindNoop
}

func (o Noop) String() string {
	return fmt.Sprintf("noop %s: %q", timestampString(o.Timestamp), o.Message)
}

// Insert records a document inserted into a collection.
type Insert struct {
	Details

	// Document is the inserted document, from the entry's "o" field.
	Document bson.M
}

// Kind is part of the Operation interface.
func (o Insert) Kind() Kind {
	return KindInsert
}

func (o Insert) String() string {
	return fmt.Sprintf("insert into %s %s: %v", o.Namespace, timestampString(o.Timestamp), o.Document)
}

// Update records a document update. The selector and the mutation are
// carried in distinct fields and must not be conflated: "o2" selects
// the document, "o" describes the change.
type Update struct {
	Details

	// Query selects the updated document, from the "o2" field.
	Query bson.M

	// Update is the mutation applied, from the "o" field.
	Update bson.M
}

// Kind is part of the Operation interface.
func (o Update) Kind() Kind {
	return KindUpdate
}

func (o Update) String() string {
	return fmt.Sprintf("update %s %s: %v with %v", o.Namespace, timestampString(o.Timestamp), o.Query, o.Update)
}

// Delete records a document removal.
type Delete struct {
	Details

	// Query selects the removed document, from the "o" field.
	Query bson.M
}

// Kind is part of the Operation interface.
func (o Delete) Kind() Kind {
	return KindDelete
}

func (o Delete) String() string {
	return fmt.Sprintf("delete from %s %s: %v", o.Namespace, timestampString(o.Timestamp), o.Query)
}

// Command records a database command such as a collection drop.
type Command struct {
	Details

	// Command is the command document, from the "o" field.
	Command bson.M
}

// Kind is part of the Operation interface.
func (o Command) Kind() Kind {
	return KindCommand
}

func (o Command) String() string {
	return fmt.Sprintf("command %s %s: %v", o.Namespace, timestampString(o.Timestamp), o.Command)
}

// ApplyOps is an applyOps command: a command entry whose payload nests
// further operations, applied atomically. Transactions appear in the
// oplog this way.
type ApplyOps struct {
	Details

	// Operations are the nested entries, decoded recursively.
	Operations []Operation
}

// Kind is part of the Operation interface. An applyOps entry is a
// command on the wire, so it reports KindCommand.
func (o ApplyOps) Kind() Kind {
	return KindCommand
}

func (o ApplyOps) String() string {
	return fmt.Sprintf("applyOps %s %s: %d operations", o.Namespace, timestampString(o.Timestamp), len(o.Operations))
}

// DecodeOperation converts a raw oplog document into a typed
// Operation. Decoding is strict: the "ts" and "op" fields must be
// present and correctly typed, as must the payload fields the
// operation kind calls for. Nothing is defaulted and nothing is
// skipped; a document that does not satisfy the contract yields a
// MissingFieldError, TypeMismatchError or UnknownKindError. The legacy
// "h" and the term "t" fields are optional and decode to zero when
// absent. Fields outside the contract (such as "v" or "wall") are
// ignored.
func DecodeOperation(doc bson.D) (Operation, error) {
	return decodeOperation(doc.Map())
}

func decodeOperation(doc bson.M) (Operation, error) {
	tag, err := getString(doc, "op")
	if err != nil {
		return nil, errors.Trace(err)
	}
	var details Details
	if details.Timestamp, err = getTimestamp(doc, "ts"); err != nil {
		return nil, errors.Trace(err)
	}
	if details.OperationID, err = optionalInt64(doc, "h"); err != nil {
		return nil, errors.Trace(err)
	}
	if details.Term, err = optionalInt64(doc, "t"); err != nil {
		return nil, errors.Trace(err)
	}
	kind := Kind(tag)
	if kind != KindNoop {
		if details.Namespace, err = getString(doc, "ns"); err != nil {
			return nil, errors.Trace(err)
		}
	}
	switch kind {
	case KindNoop:
		payload, err := getDocument(doc, "o")
		if err != nil {
			return nil, errors.Trace(err)
		}
		message, err := getString(payload, "msg")
		if err != nil {
			return nil, errors.Trace(err)
		}
		return Noop{Details: details, Message: message}, nil
	case KindInsert:
		document, err := getDocument(doc, "o")
		if err != nil {
			return nil, errors.Trace(err)
		}
		return Insert{Details: details, Document: document}, nil
	case KindUpdate:
		update, err := getDocument(doc, "o")
		if err != nil {
			return nil, errors.Trace(err)
		}
		query, err := getDocument(doc, "o2")
		if err != nil {
			return nil, errors.Trace(err)
		}
		return Update{Details: details, Query: query, Update: update}, nil
	case KindDelete:
		query, err := getDocument(doc, "o")
		if err != nil {
			return nil, errors.Trace(err)
		}
		return Delete{Details: details, Query: query}, nil
	case KindCommand:
		command, err := getDocument(doc, "o")
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, ok := command["applyOps"]; ok {
			return decodeApplyOps(command, details)
		}
		return Command{Details: details, Command: command}, nil
	}
	return nil, &UnknownKindError{Kind: tag}
}

func decodeApplyOps(command bson.M, details Details) (Operation, error) {
	elements, err := getArray(command, "applyOps")
	if err != nil {
		return nil, errors.Trace(err)
	}
	operations := make([]Operation, 0, len(elements))
	for _, element := range elements {
		entry, err := asDocument(element, "applyOps")
		if err != nil {
			return nil, errors.Trace(err)
		}
		op, err := decodeOperation(entry)
		if err != nil {
			return nil, errors.Trace(err)
		}
		operations = append(operations, op)
	}
	return ApplyOps{Details: details, Operations: operations}, nil
}

func getString(doc bson.M, field string) (string, error) {
	value, ok := doc[field]
	if !ok {
		return "", &MissingFieldError{Field: field}
	}
	s, ok := value.(string)
	if !ok {
		return "", &TypeMismatchError{Field: field, Expected: "string"}
	}
	return s, nil
}

func getTimestamp(doc bson.M, field string) (bson.MongoTimestamp, error) {
	value, ok := doc[field]
	if !ok {
		return 0, &MissingFieldError{Field: field}
	}
	ts, ok := value.(bson.MongoTimestamp)
	if !ok {
		return 0, &TypeMismatchError{Field: field, Expected: "timestamp"}
	}
	return ts, nil
}

// optionalInt64 reads a field that later server versions omit. A BSON
// null counts as absent.
func optionalInt64(doc bson.M, field string) (int64, error) {
	value, ok := doc[field]
	if !ok || value == nil {
		return 0, nil
	}
	n, ok := value.(int64)
	if !ok {
		return 0, &TypeMismatchError{Field: field, Expected: "int64"}
	}
	return n, nil
}

func getDocument(doc bson.M, field string) (bson.M, error) {
	value, ok := doc[field]
	if !ok {
		return nil, &MissingFieldError{Field: field}
	}
	return asDocument(value, field)
}

func asDocument(value interface{}, field string) (bson.M, error) {
	switch doc := value.(type) {
	case bson.M:
		return doc, nil
	case bson.D:
		return doc.Map(), nil
	}
	return nil, &TypeMismatchError{Field: field, Expected: "document"}
}

func getArray(doc bson.M, field string) ([]interface{}, error) {
	value, ok := doc[field]
	if !ok {
		return nil, &MissingFieldError{Field: field}
	}
	elements, ok := value.([]interface{})
	if !ok {
		return nil, &TypeMismatchError{Field: field, Expected: "array"}
	}
	return elements, nil
}
