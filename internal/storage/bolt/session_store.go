package bolt

import (
	"context"

	"github.com/sugarmesh/glucolink/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Put(ctx context.Context, record storage.SessionRecord) error {
	return putBucketValue(ctx, s.db, bucketSessions, record.ID, record)
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.SessionRecord, error) {
	return getBucketValue[storage.SessionRecord](ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	return deleteBucketValue(ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) List(ctx context.Context) ([]storage.SessionRecord, error) {
	return listBucket[storage.SessionRecord](ctx, s.db, bucketSessions)
}
