package ports

import (
	"context"
	"math"
	"reflect"
	"sort"

	"chatcall/internal/core/domain"
)

type Record struct {
	ID     string
	Fields domain.Fields
}

func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: r.Fields.Clone()}
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

type Change struct {
	Type   ChangeType
	Record Record
}

// Snapshot is one delivery of a subscription: the full matching set plus the
// changes since the previous delivery. The first delivery reports every
// existing match as added.
type Snapshot struct {
	Records []Record
	Changes []Change
}

type FilterOp string

const (
	OpEqual         FilterOp = "=="
	OpArrayContains FilterOp = "array-contains"
)

type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

type Query struct {
	Collection string
	// ID restricts the query to a single record.
	ID      string
	Filters []Filter
	// OrderBy names a numeric field, ascending. Ties keep insertion order.
	OrderBy string
}

func (q Query) Where(field string, op FilterOp, value interface{}) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) Matches(r Record) bool {
	if q.ID != "" && r.ID != q.ID {
		return false
	}
	for _, f := range q.Filters {
		got, ok := r.Fields[f.Field]
		if !ok {
			return false
		}
		want := domain.NormalizeValue(f.Value)
		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case OpArrayContains:
			items, ok := got.([]interface{})
			if !ok {
				return false
			}
			found := false
			for _, item := range items {
				if reflect.DeepEqual(item, want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Sort orders records by q.OrderBy. The input is assumed to be in insertion
// order already. Records missing the field sort last, in input order.
func (q Query) Sort(records []Record) {
	if q.OrderBy == "" {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		return orderKey(records[i].Fields, q.OrderBy) < orderKey(records[j].Fields, q.OrderBy)
	})
}

// SortChanges orders one delivery's changes the way Sort orders records.
func (q Query) SortChanges(changes []Change) {
	if q.OrderBy == "" {
		return
	}
	sort.SliceStable(changes, func(i, j int) bool {
		return orderKey(changes[i].Record.Fields, q.OrderBy) < orderKey(changes[j].Record.Fields, q.OrderBy)
	})
}

func orderKey(f domain.Fields, name string) float64 {
	switch v := f[name].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return math.Inf(1)
	}
}

// Subscription is an open query feed. Cancel is synchronous: once it returns
// the handler is never invoked again. Handlers must not call Cancel on their
// own subscription.
type Subscription interface {
	Cancel()
}

type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }

// Precondition inspects a record's stored fields before a conditional write.
type Precondition func(current domain.Fields) error

// RendezvousStore is the durable record store used to exchange signaling
// records between peers.
type RendezvousStore interface {
	CreateRecord(ctx context.Context, collection string, fields domain.Fields) (string, error)
	SetRecord(ctx context.Context, collection, id string, fields domain.Fields) error
	// UpdateRecord merges fields into an existing record and fails with
	// domain.ErrRecordNotFound when the record does not exist.
	UpdateRecord(ctx context.Context, collection, id string, fields domain.Fields) error
	// UpdateRecordIf is UpdateRecord guarded by cond, evaluated atomically
	// against the stored fields. A cond error aborts the write and is
	// returned unchanged.
	UpdateRecordIf(ctx context.Context, collection, id string, fields domain.Fields, cond Precondition) error
	GetRecord(ctx context.Context, collection, id string) (*Record, error)
	Subscribe(ctx context.Context, q Query, handler func(Snapshot)) (Subscription, error)
	Ping(ctx context.Context) error
}

// AnswerLocker serializes answerers racing for the same call. Backends
// whose record writes cannot express "write only if unanswered" provide
// one.
type AnswerLocker interface {
	// LockAnswer fails with domain.ErrCallAlreadyAnswered when another
	// answerer holds the call.
	LockAnswer(ctx context.Context, callID domain.CallID) (release func(), err error)
}
