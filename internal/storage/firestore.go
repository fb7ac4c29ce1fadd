package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/helixops/connectd/internal/crypto"
	"github.com/helixops/connectd/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultSessionCollection = "platform_sessions"

var _ SessionStore = (*FirestoreStore)(nil)

// FirestoreStore implements SessionStore on Google Cloud Firestore.
//
// Session documents are keyed by a SHA-256 digest of the session token so
// raw tokens never appear in document IDs, and the session payload is
// encrypted at rest. The expiry timestamp stays in cleartext so cleanup
// can query on it.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	encryptor  crypto.Encryptor
}

// sessionDoc is the Firestore document layout for a session
type sessionDoc struct {
	Data      string    `firestore:"data"` // encrypted Session JSON
	ExpiresAt time.Time `firestore:"expires_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreStore creates a Firestore-backed session store
func NewFirestoreStore(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for firestore storage")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required for firestore storage")
	}
	if collection == "" {
		collection = defaultSessionCollection
	}

	var client *firestore.Client
	var err error
	if database != "" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Firestore session store ready", map[string]any{
		"project":    projectID,
		"collection": collection,
	})

	return &FirestoreStore{
		client:     client,
		collection: collection,
		encryptor:  encryptor,
	}, nil
}

// Close releases the underlying Firestore client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func docID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GetSession retrieves and decrypts a session by token
func (s *FirestoreStore) GetSession(ctx context.Context, token string) (*Session, error) {
	snap, err := s.client.Collection(s.collection).Doc(docID(token)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("reading session document: %w", err)
	}

	plaintext, err := s.encryptor.Decrypt(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("decrypting session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(plaintext), &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &session, nil
}

// PutSession encrypts and stores a session
func (s *FirestoreStore) PutSession(ctx context.Context, token string, session *Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}

	copied := *session
	copied.Token = token
	plaintext, err := json.Marshal(&copied)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	encrypted, err := s.encryptor.Encrypt(string(plaintext))
	if err != nil {
		return fmt.Errorf("encrypting session: %w", err)
	}

	doc := sessionDoc{
		Data:      encrypted,
		ExpiresAt: copied.ExpiresAt,
		UpdatedAt: time.Now(),
	}
	if _, err := s.client.Collection(s.collection).Doc(docID(token)).Set(ctx, doc); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// DeleteSession removes a session document
func (s *FirestoreStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.client.Collection(s.collection).Doc(docID(token)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions deletes all sessions whose expiry has passed
func (s *FirestoreStore) DeleteExpiredSessions(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<", time.Now()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("iterating expired sessions: %w", err)
		}

		if _, err := snap.Ref.Delete(ctx); err != nil {
			log.LogWarnWithFields("storage", "Failed to delete expired session", map[string]any{
				"doc":   snap.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		count++
	}
	return count, nil
}
