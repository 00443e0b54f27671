package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
)

// DefaultFirestoreCollection is the collection used when none is configured.
const DefaultFirestoreCollection = "graftpunk_sessions"

// FirestoreConfig configures the Firestore backend.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID.
	ProjectID string `yaml:"project_id"`
	// Collection holds one document per session (default: "graftpunk_sessions").
	Collection string `yaml:"collection"`
	// CredentialsFile is an optional service account key file.
	CredentialsFile string `yaml:"credentials_file"`
}

// firestoreRecord is the document stored per session name.
type firestoreRecord struct {
	Ciphertext []byte   `firestore:"ciphertext"`
	Metadata   Metadata `firestore:"metadata"`
}

// FirestoreBackend implements Backend on Cloud Firestore.
// Document IDs are session names.
type FirestoreBackend struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewFirestoreBackend creates a Firestore client for cfg.ProjectID.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig, opts ...Option) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errs.Newf(errs.KindConfig, "storage open", "firestore", "project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, errs.Storage("storage open", cfg.ProjectID, true, err)
	}
	return NewFirestoreBackendFromClient(client, cfg.Collection, opts...), nil
}

// NewFirestoreBackendFromClient wraps an existing client.
func NewFirestoreBackendFromClient(client *firestore.Client, collection string, opts ...Option) *FirestoreBackend {
	if collection == "" {
		collection = DefaultFirestoreCollection
	}
	o := applyOptions(opts)
	return &FirestoreBackend{
		client: client,
		coll:   client.Collection(collection),
		logger: o.logger,
	}
}

func (b *FirestoreBackend) checkOpen(op, name string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return closed(op, name)
	}
	return nil
}

// Save overwrites the document for name.
func (b *FirestoreBackend) Save(ctx context.Context, name string, ciphertext []byte, meta *Metadata) (string, error) {
	const op = "storage save"
	if err := ValidateName(name); err != nil {
		return "", invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return "", err
	}

	m := prepareMetadata(name, uuid.New().String(), meta)
	rec := firestoreRecord{Ciphertext: ciphertext, Metadata: *m}
	if _, err := b.coll.Doc(name).Set(ctx, rec); err != nil {
		return "", grpcStorageError(op, name, err)
	}
	return m.ID, nil
}

// Load reads the document for name.
func (b *FirestoreBackend) Load(ctx context.Context, name string) ([]byte, *Metadata, error) {
	const op = "storage load"
	if err := ValidateName(name); err != nil {
		return nil, nil, invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return nil, nil, err
	}

	snap, err := b.coll.Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil, notFound(op, name)
		}
		return nil, nil, grpcStorageError(op, name, err)
	}

	var rec firestoreRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, nil, errs.Storage(op, name, false, err)
	}
	return rec.Ciphertext, &rec.Metadata, nil
}

// List streams the metadata field of every document.
func (b *FirestoreBackend) List(ctx context.Context) ([]*Metadata, error) {
	const op = "storage list"
	if err := b.checkOpen(op, ""); err != nil {
		return nil, err
	}

	iter := b.coll.Select("metadata").Documents(ctx)
	defer iter.Stop()

	var out []*Metadata
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, grpcStorageError(op, "", err)
		}

		var rec firestoreRecord
		if err := doc.DataTo(&rec); err != nil {
			b.logger.Warn("skipping unreadable session metadata",
				zap.String("session", doc.Ref.ID), zap.Error(err))
			continue
		}
		out = append(out, &rec.Metadata)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the document, reporting false if it did not exist.
func (b *FirestoreBackend) Delete(ctx context.Context, name string) (bool, error) {
	const op = "storage delete"
	if err := ValidateName(name); err != nil {
		return false, invalidName(op, name)
	}
	if err := b.checkOpen(op, name); err != nil {
		return false, err
	}

	if _, err := b.coll.Doc(name).Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, grpcStorageError(op, name, err)
	}
	return true, nil
}

// Close closes the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

func grpcStorageError(op, name string, err error) error {
	return errs.Storage(op, name, transientCode(status.Code(err)), err)
}

func transientCode(c codes.Code) bool {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}
