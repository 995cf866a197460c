// Package resources implements the inline-vs-external storage decision for
// VFS resources: payloads under the threshold are kept as Base64 directly
// in the resources row; larger payloads are written once to the blob store
// and referenced by hash.
package resources

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/chatpipe/internal/config"
	"github.com/nextlevelbuilder/chatpipe/internal/vfs/blobstore"
)

// Resource is one row in the resources table: content-addressed by (kind,
// hash), stored either inline (Data set, BlobHash empty) or externally
// (BlobHash set, Data empty).
type Resource struct {
	ID       string
	Kind     string
	Hash     string
	Size     int64
	Data     []byte // only set for inline resources
	BlobHash string // only set for external resources
	Ext      string
}

// Registry creates or reuses resources, deciding inline vs. external by
// size against config.InlineSizeThreshold.
type Registry struct {
	blobs *blobstore.Store
}

func New(blobs *blobstore.Store) *Registry {
	return &Registry{blobs: blobs}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CreateOrReuse stores data under (kind, hash); a prior resource with the
// same (kind, hash) is reused rather than duplicated, per the resources
// table's UNIQUE(type, hash) constraint.
func (r *Registry) CreateOrReuse(ctx context.Context, db *sql.DB, kind string, data []byte, ext string) (Resource, error) {
	hash := hashOf(data)

	if existing, err := r.lookup(ctx, db, kind, hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Resource{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Resource{}, fmt.Errorf("begin resource tx: %w", err)
	}
	defer tx.Rollback()

	res := Resource{Kind: kind, Hash: hash, Size: int64(len(data)), Ext: ext}

	if len(data) < config.InlineSizeThreshold {
		res.Data = data
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resources (type, hash, size, data, blob_hash)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(type, hash) DO NOTHING
		`, kind, hash, res.Size, base64.StdEncoding.EncodeToString(data))
	} else {
		blob, berr := r.blobs.Store(ctx, tx, data, ext)
		if berr != nil {
			return Resource{}, fmt.Errorf("store external blob: %w", berr)
		}
		if ierr := r.blobs.IncrementRef(ctx, tx, blob.Hash); ierr != nil {
			return Resource{}, fmt.Errorf("increment blob ref: %w", ierr)
		}
		res.BlobHash = blob.Hash
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resources (type, hash, size, data, blob_hash)
			VALUES (?, ?, ?, NULL, ?)
			ON CONFLICT(type, hash) DO NOTHING
		`, kind, hash, res.Size, blob.Hash)
	}
	if err != nil {
		return Resource{}, fmt.Errorf("insert resource row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Resource{}, fmt.Errorf("commit resource tx: %w", err)
	}

	// Re-read: either our insert won, or a concurrent writer's did — both
	// produce the same (type, hash) row, per the UNIQUE constraint.
	return r.lookup(ctx, db, kind, hash)
}

func (r *Registry) lookup(ctx context.Context, db *sql.DB, kind, hash string) (Resource, error) {
	var res Resource
	var data sql.NullString
	var blobHash sql.NullString

	row := db.QueryRowContext(ctx, `
		SELECT r.id, r.type, r.hash, r.size, r.data, r.blob_hash, COALESCE(b.ext, '')
		FROM resources r LEFT JOIN blobs b ON b.hash = r.blob_hash
		WHERE r.type = ? AND r.hash = ?
	`, kind, hash)
	if err := row.Scan(&res.ID, &res.Kind, &res.Hash, &res.Size, &data, &blobHash, &res.Ext); err != nil {
		return Resource{}, err
	}

	if data.Valid {
		decoded, err := base64.StdEncoding.DecodeString(data.String)
		if err != nil {
			return Resource{}, fmt.Errorf("decode inline resource data: %w", err)
		}
		res.Data = decoded
	}
	if blobHash.Valid {
		res.BlobHash = blobHash.String
	}
	return res, nil
}

// Read returns a resource's bytes regardless of storage mode.
func (r *Registry) Read(res Resource) ([]byte, error) {
	if res.Data != nil {
		return res.Data, nil
	}
	return r.blobs.Read(res.BlobHash, res.Ext)
}

// Lookup returns a resource by its primary key, usable inside the caller's
// own transaction (db may be *sql.DB or *sql.Tx — both satisfy
// blobstore.DBTX).
func (r *Registry) Lookup(ctx context.Context, db blobstore.DBTX, id string) (Resource, error) {
	var res Resource
	var data sql.NullString
	var blobHash sql.NullString

	row := db.QueryRowContext(ctx, `
		SELECT r.id, r.type, r.hash, r.size, r.data, r.blob_hash, COALESCE(b.ext, '')
		FROM resources r LEFT JOIN blobs b ON b.hash = r.blob_hash
		WHERE r.id = ?
	`, id)
	if err := row.Scan(&res.ID, &res.Kind, &res.Hash, &res.Size, &data, &blobHash, &res.Ext); err != nil {
		return Resource{}, err
	}

	if data.Valid {
		decoded, err := base64.StdEncoding.DecodeString(data.String)
		if err != nil {
			return Resource{}, fmt.Errorf("decode inline resource data: %w", err)
		}
		res.Data = decoded
	}
	if blobHash.Valid {
		res.BlobHash = blobHash.String
	}
	return res, nil
}

// DecrementBlobRef drops a resource's backing blob ref count by one,
// deleting the blob row and on-disk file when it reaches zero. A purge
// that processes several resources (a file plus its PDF preview pages)
// calls this once per resource inside one shared transaction.
func (r *Registry) DecrementBlobRef(ctx context.Context, db blobstore.DBTX, hash, ext string) error {
	return r.blobs.DecrementRef(ctx, db, hash, ext)
}
