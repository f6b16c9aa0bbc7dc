package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient opens a Firestore client through the Firebase app, the
// same project the chat application already uses for messages.
func NewFirestoreClient(ctx context.Context, projectID, credentialsFile string) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open firestore: %w", err)
	}
	return client, nil
}

type FirestoreRendezvousStore struct {
	client *firestore.Client
	logger *zap.SugaredLogger
}

func NewFirestoreRendezvousStore(client *firestore.Client, logger *zap.SugaredLogger) *FirestoreRendezvousStore {
	return &FirestoreRendezvousStore{client: client, logger: logger}
}

func (s *FirestoreRendezvousStore) CreateRecord(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	ref := s.client.Collection(collection).NewDoc()
	if _, err := ref.Set(ctx, map[string]interface{}(fields.Clone())); err != nil {
		return "", fmt.Errorf("failed to create record in %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (s *FirestoreRendezvousStore) SetRecord(ctx context.Context, collection, id string, fields domain.Fields) error {
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, map[string]interface{}(fields.Clone())); err != nil {
		return fmt.Errorf("failed to set record %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *FirestoreRendezvousStore) UpdateRecord(ctx context.Context, collection, id string, fields domain.Fields) error {
	if _, err := s.client.Collection(collection).Doc(id).Update(ctx, fieldUpdates(fields)); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
		}
		return fmt.Errorf("failed to update record %s/%s: %w", collection, id, err)
	}
	return nil
}

// UpdateRecordIf reads and writes the document in one transaction; a
// concurrent write makes Firestore rerun cond against the new state.
func (s *FirestoreRendezvousStore) UpdateRecordIf(ctx context.Context, collection, id string, fields domain.Fields, cond ports.Precondition) error {
	ref := s.client.Collection(collection).Doc(id)
	updates := fieldUpdates(fields)

	var rejected error
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		rejected = nil
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if cond != nil {
			current, err := toRecord(snap)
			if err != nil {
				return err
			}
			if err := cond(current.Fields); err != nil {
				rejected = err
				return err
			}
		}
		return tx.Update(ref, updates)
	})
	switch {
	case err == nil:
		return nil
	case rejected != nil:
		return rejected
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
	default:
		return fmt.Errorf("failed to update record %s/%s: %w", collection, id, err)
	}
}

func fieldUpdates(fields domain.Fields) []firestore.Update {
	normalized := fields.Clone()
	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	updates := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		updates = append(updates, firestore.Update{Path: k, Value: normalized[k]})
	}
	return updates
}

func (s *FirestoreRendezvousStore) GetRecord(ctx context.Context, collection, id string) (*ports.Record, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get record %s/%s: %w", collection, id, err)
	}

	record, err := toRecord(snap)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *FirestoreRendezvousStore) Subscribe(ctx context.Context, q ports.Query, handler func(ports.Snapshot)) (ports.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	if q.ID != "" {
		it := s.client.Collection(q.Collection).Doc(q.ID).Snapshots(ctx)
		go s.watchDocument(sub, it, q, handler)
	} else {
		it := s.buildQuery(q).Snapshots(ctx)
		go s.watchQuery(sub, it, q, handler)
	}

	return sub, nil
}

func (s *FirestoreRendezvousStore) Ping(ctx context.Context) error {
	_, err := s.client.Collection(domain.CallsCollection).Limit(1).Documents(ctx).GetAll()
	return err
}

func (s *FirestoreRendezvousStore) Close() error {
	return s.client.Close()
}

// serverQuery is the part of q sent to Firestore. OrderBy stays client
// side: Firestore drops documents lacking the order field, and candidates
// written by the web client carry no createdAt.
func serverQuery(q ports.Query) ports.Query {
	q.OrderBy = ""
	return q
}

func (s *FirestoreRendezvousStore) buildQuery(q ports.Query) firestore.Query {
	q = serverQuery(q)
	query := s.client.Collection(q.Collection).Query
	for _, f := range q.Filters {
		query = query.Where(f.Field, string(f.Op), domain.NormalizeValue(f.Value))
	}
	return query
}

// orderSnapshot applies q.OrderBy to a snapshot that arrived in server
// order. Records without the field keep their arrival order.
func orderSnapshot(q ports.Query, snap *ports.Snapshot) {
	q.Sort(snap.Records)
	q.SortChanges(snap.Changes)
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Cancel waits for the watch goroutine, and with it any in-flight handler.
func (s *subscription) Cancel() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *FirestoreRendezvousStore) watchQuery(sub *subscription, it *firestore.QuerySnapshotIterator, q ports.Query, handler func(ports.Snapshot)) {
	defer close(sub.done)
	defer it.Stop()

	for {
		qs, err := it.Next()
		if err != nil {
			s.logWatchEnd(q, err)
			return
		}

		docs, err := qs.Documents.GetAll()
		if err != nil {
			s.logWatchEnd(q, err)
			return
		}

		snap := ports.Snapshot{Records: make([]ports.Record, 0, len(docs))}
		for _, d := range docs {
			r, err := toRecord(d)
			if err != nil {
				s.logger.Warnw("skipping undecodable record", "collection", q.Collection, "error", err)
				continue
			}
			snap.Records = append(snap.Records, r)
		}
		for _, c := range qs.Changes {
			r, err := toRecord(c.Doc)
			if err != nil {
				continue
			}
			snap.Changes = append(snap.Changes, ports.Change{Type: changeType(c.Kind), Record: r})
		}

		orderSnapshot(q, &snap)
		handler(snap)
	}
}

// watchDocument adapts a single document stream to query snapshots: a
// document coming into existence is an addition, a deletion a removal.
func (s *FirestoreRendezvousStore) watchDocument(sub *subscription, it *firestore.DocumentSnapshotIterator, q ports.Query, handler func(ports.Snapshot)) {
	defer close(sub.done)
	defer it.Stop()

	var present bool
	first := true
	for {
		ds, err := it.Next()
		if err != nil {
			s.logWatchEnd(q, err)
			return
		}

		snap := ports.Snapshot{Records: []ports.Record{}}
		if ds.Exists() {
			r, err := toRecord(ds)
			if err != nil {
				s.logger.Warnw("skipping undecodable record", "collection", q.Collection, "id", q.ID, "error", err)
				continue
			}
			matched := q.Matches(r)
			if matched {
				snap.Records = append(snap.Records, r)
			}
			switch {
			case matched && present:
				snap.Changes = []ports.Change{{Type: ports.ChangeModified, Record: r}}
			case matched:
				snap.Changes = []ports.Change{{Type: ports.ChangeAdded, Record: r}}
			case present:
				snap.Changes = []ports.Change{{Type: ports.ChangeRemoved, Record: r}}
			}
			present = matched
		} else if present {
			snap.Changes = []ports.Change{{Type: ports.ChangeRemoved, Record: ports.Record{ID: q.ID}}}
			present = false
		}

		if len(snap.Changes) == 0 && !first {
			continue
		}
		first = false
		handler(snap)
	}
}

func (s *FirestoreRendezvousStore) logWatchEnd(q ports.Query, err error) {
	if errors.Is(err, iterator.Done) || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Errorw("firestore watch ended",
		"collection", q.Collection,
		"id", q.ID,
		"error", err,
	)
}

func changeType(kind firestore.DocumentChangeKind) ports.ChangeType {
	switch kind {
	case firestore.DocumentAdded:
		return ports.ChangeAdded
	case firestore.DocumentRemoved:
		return ports.ChangeRemoved
	default:
		return ports.ChangeModified
	}
}

func toRecord(ds *firestore.DocumentSnapshot) (ports.Record, error) {
	fields, err := domain.ToFields(ds.Data())
	if err != nil {
		return ports.Record{}, err
	}
	return ports.Record{ID: ds.Ref.ID, Fields: fields}, nil
}
