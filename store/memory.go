package store

import (
	"context"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/michaelneumaier/mixpitch-sub012/apperrors"
	"github.com/michaelneumaier/mixpitch-sub012/models"
)

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"session": {
			Name: "session",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		"chunk": {
			Name: "chunk",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "SessionID"},
							&memdb.IntFieldIndex{Field: "ChunkIndex"},
						},
					},
				},
				"session": {
					Name:    "session",
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "SessionID"},
				},
			},
		},
	},
}

var (
	_ SessionStore = (*MemorySessionStore)(nil)
	_ ChunkStore   = (*MemoryChunkStore)(nil)
)

// MemorySessionStore implements SessionStore on go-memdb. Write transactions
// are single-writer, which gives the conditional transition and counter
// increment the same atomicity the DynamoDB store gets from conditional
// writes. Best suited for tests and local development.
type MemorySessionStore struct {
	db *memdb.MemDB
}

// MemoryChunkStore implements ChunkStore on the same go-memdb instance.
type MemoryChunkStore struct {
	db *memdb.MemDB
}

// NewMemoryStores returns a session store and chunk store sharing one
// in-memory database.
func NewMemoryStores() (*MemorySessionStore, *MemoryChunkStore, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, nil, err
	}
	return &MemorySessionStore{db: db}, &MemoryChunkStore{db: db}, nil
}

func (s *MemorySessionStore) IsReady(ctx context.Context) error { return nil }
func (s *MemorySessionStore) Name() string                      { return "SessionStore[memory]" }

func (s *MemorySessionStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First("session", "id", session.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperrors.ErrSessionExists
	}

	cp := session
	if err := txn.Insert("session", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, apperrors.ErrSessionNotFound
	}

	cp := *raw.(*models.UploadSession)
	return &cp, nil
}

func (s *MemorySessionStore) TransitionStatus(ctx context.Context, sessionID string, from, to models.UploadStatus) error {
	if !models.CanTransition(from, to) {
		return apperrors.ErrIllegalTransition
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return err
	}
	if raw == nil {
		return apperrors.ErrIllegalTransition
	}

	cp := *raw.(*models.UploadSession)
	if cp.Status != from {
		return apperrors.ErrIllegalTransition
	}
	cp.Status = to

	if err := txn.Insert("session", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemorySessionStore) MarkFailed(ctx context.Context, sessionID, reason string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return err
	}
	if raw == nil {
		return apperrors.ErrIllegalTransition
	}

	cp := *raw.(*models.UploadSession)
	if !cp.MarkAsFailed(reason) {
		return apperrors.ErrIllegalTransition
	}

	if err := txn.Insert("session", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemorySessionStore) IncrementUploadedChunks(ctx context.Context, sessionID string) (int64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, apperrors.ErrSessionNotFound
	}

	cp := *raw.(*models.UploadSession)
	if cp.UploadedChunks >= cp.TotalChunks {
		return 0, apperrors.ErrSessionNotReady
	}
	cp.UploadedChunks++

	if err := txn.Insert("session", &cp); err != nil {
		return 0, err
	}
	txn.Commit()
	return cp.UploadedChunks, nil
}

func (s *MemorySessionStore) DecrementUploadedChunks(ctx context.Context, sessionID string) (int64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, apperrors.ErrSessionNotFound
	}

	cp := *raw.(*models.UploadSession)
	if cp.UploadedChunks <= 0 {
		return 0, apperrors.ErrSessionNotReady
	}
	cp.UploadedChunks--

	if err := txn.Insert("session", &cp); err != nil {
		return 0, err
	}
	txn.Commit()
	return cp.UploadedChunks, nil
}

func (s *MemorySessionStore) UpdateMetadata(ctx context.Context, sessionID string, md models.SessionMetadata) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return err
	}
	if raw == nil {
		return apperrors.ErrSessionNotFound
	}

	cp := *raw.(*models.UploadSession)
	cp.Metadata = md

	if err := txn.Insert("session", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemorySessionStore) RefreshExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return err
	}
	if raw == nil {
		return apperrors.ErrSessionNotFound
	}

	cp := *raw.(*models.UploadSession)
	cp.ExpiresAt = expiresAt

	if err := txn.Insert("session", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemorySessionStore) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("session", "id")
	if err != nil {
		return nil, err
	}

	var expired []models.UploadSession
	for raw := it.Next(); raw != nil; raw = it.Next() {
		sess := raw.(*models.UploadSession)
		if sess.Status == models.StatusCompleted {
			continue
		}
		if sess.ExpiresAt.Before(now) {
			expired = append(expired, *sess)
		}
	}
	return expired, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("session", "id", sessionID)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	if err := txn.Delete("session", raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryChunkStore) IsReady(ctx context.Context) error { return nil }
func (s *MemoryChunkStore) Name() string                      { return "ChunkStore[memory]" }

func (s *MemoryChunkStore) Put(ctx context.Context, chunk models.UploadChunk) (*models.UploadChunk, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	var previous *models.UploadChunk
	raw, err := txn.First("chunk", "id", chunk.SessionID, chunk.ChunkIndex)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		cp := *raw.(*models.UploadChunk)
		previous = &cp
	}

	cp := chunk
	if err := txn.Insert("chunk", &cp); err != nil {
		return nil, err
	}
	txn.Commit()
	return previous, nil
}

func (s *MemoryChunkStore) Get(ctx context.Context, sessionID string, chunkIndex int64) (*models.UploadChunk, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("chunk", "id", sessionID, chunkIndex)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, apperrors.ErrChunkNotFound
	}

	cp := *raw.(*models.UploadChunk)
	return &cp, nil
}

func (s *MemoryChunkStore) ListBySession(ctx context.Context, sessionID string) ([]models.UploadChunk, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	// Exact match on the session index; a prefix walk over the compound id
	// would also sweep up sessions whose id merely starts with this one.
	// Non-unique index entries carry the primary key as a suffix, so the
	// iteration still comes back sorted by chunk index.
	it, err := txn.Get("chunk", "session", sessionID)
	if err != nil {
		return nil, err
	}

	var chunks []models.UploadChunk
	for raw := it.Next(); raw != nil; raw = it.Next() {
		chunks = append(chunks, *raw.(*models.UploadChunk))
	}
	return chunks, nil
}

func (s *MemoryChunkStore) UpdateStatus(ctx context.Context, sessionID string, chunkIndex int64, status models.ChunkStatus) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("chunk", "id", sessionID, chunkIndex)
	if err != nil {
		return err
	}
	if raw == nil {
		return apperrors.ErrChunkNotFound
	}

	cp := *raw.(*models.UploadChunk)
	cp.Status = status

	if err := txn.Insert("chunk", &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryChunkStore) Delete(ctx context.Context, sessionID string, chunkIndex int64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First("chunk", "id", sessionID, chunkIndex)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	if err := txn.Delete("chunk", raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemoryChunkStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	n, err := txn.DeleteAll("chunk", "session", sessionID)
	if err != nil {
		return 0, err
	}
	txn.Commit()
	return n, nil
}
