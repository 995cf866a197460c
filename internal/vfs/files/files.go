// Package files implements the attachment/file repository: upload with
// content-hash dedup, soft-delete and rehash-triggered restore, and the PDF
// preview/OCR pipeline described for §4.11 of the pipeline's file handling.
package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatpipe/internal/config"
	"github.com/nextlevelbuilder/chatpipe/internal/vfs/resources"
)

// previewMaxDimension caps a PDF preview page's longer side before it's
// written to the blob store; rendered pages from PDF toolkits commonly
// come back at print resolution, far larger than anything the UI draws.
const previewMaxDimension = 1600

// File is one row in the files table. Files dedup on ContentHash: an
// UPLOAD of bytes whose hash matches an existing active row returns that
// row unchanged; one matching a soft-deleted row restores it instead of
// inserting a duplicate.
type File struct {
	ID               uuid.UUID
	SessionID        uuid.UUID
	Name             string
	MimeType         string
	Size             int64
	ResourceID       string
	ContentHash      string
	IsFavorite       bool
	ProcessingStatus string
	ExtractedText    *string
	PageCount        int
	Deleted          bool
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// IsNew reports whether this Upload call created the row (false for a
	// dedup hit or a restore), per the upload contract's is_new flag.
	IsNew bool
}

func contentHashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var imageAllowlist = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

var ErrTooLarge = errors.New("file exceeds the size limit for its type")
var ErrNotFound = errors.New("file not found")

// PDFRenderer is an external collaborator that rasterizes PDF pages to
// images and extracts page text; a concrete implementation (e.g. shelling
// out to a PDF toolkit) is wired in at startup.
type PDFRenderer interface {
	RenderPages(ctx context.Context, pdf []byte) (pages [][]byte, texts []string, err error)
}

// OCREngine is an external collaborator that extracts text from a page
// image when the PDF's embedded text extraction comes back empty.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Repo implements upload/dedup/restore/purge plus the PDF preview and OCR
// lifecycle, grounded on the same resource-registry primitives the rest of
// the VFS uses.
type Repo struct {
	db        *sql.DB
	resources *resources.Registry
	pdf       PDFRenderer
	ocr       OCREngine
}

func New(db *sql.DB, reg *resources.Registry, pdf PDFRenderer, ocr OCREngine) *Repo {
	return &Repo{db: db, resources: reg, pdf: pdf, ocr: ocr}
}

func sizeLimitFor(name string) int64 {
	ext := strings.ToLower(filepath.Ext(name))
	if imageAllowlist[ext] {
		return config.MaxImageBytes
	}
	return config.MaxFileBytes
}

// Upload validates size/extension, dedups globally by content hash (step
// 3 of the contract), restores a soft-deleted match under a new name
// (step 4) rather than inserting a duplicate, and otherwise stores the
// bytes and inserts a fresh row (step 5).
func (r *Repo) Upload(ctx context.Context, sessionID uuid.UUID, name, mimeType string, data []byte) (File, error) {
	if int64(len(data)) > sizeLimitFor(name) {
		return File{}, ErrTooLarge
	}

	hash := contentHashOf(data)

	if existing, err := r.findActiveByContentHash(ctx, hash); err == nil {
		existing.IsNew = false
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return File{}, fmt.Errorf("lookup active file by hash: %w", err)
	}

	if existing, err := r.findDeletedByContentHash(ctx, hash); err == nil {
		if err := r.restore(ctx, existing.ID, sessionID, name); err != nil {
			return File{}, err
		}
		existing.SessionID = sessionID
		existing.Name = name
		existing.Deleted = false
		existing.DeletedAt = nil
		existing.IsNew = false
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return File{}, fmt.Errorf("lookup deleted file by hash: %w", err)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	res, err := r.resources.CreateOrReuse(ctx, r.db, "file", data, ext)
	if err != nil {
		return File{}, fmt.Errorf("create resource: %w", err)
	}

	now := time.Now()
	id := uuid.New()
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO files (
			id, session_id, name, mime_type, size, resource_id, content_hash,
			processing_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), sessionID.String(), name, mimeType, int64(len(data)), res.ID, hash, "", now, now)
	if err != nil {
		return File{}, fmt.Errorf("insert file row: %w", err)
	}

	// The INSERT OR IGNORE can be skipped by a concurrent writer that won
	// the race on the active-rows content_hash unique index; re-read so
	// every caller observes the same row.
	f, err := r.findActiveByContentHash(ctx, hash)
	if err != nil {
		return File{}, fmt.Errorf("reread file after insert: %w", err)
	}
	f.IsNew = true

	if mimeType == "application/pdf" && r.pdf != nil {
		if err := r.buildPDFPreview(ctx, f.ID, data); err != nil {
			// Preview/OCR failures never block the upload itself.
			return f, nil
		}
	}

	return f, nil
}

func scanFile(row interface{ Scan(...any) error }) (File, error) {
	var f File
	var idStr, sessStr string
	var deletedAt sql.NullTime
	var extractedText sql.NullString
	var isFavorite int
	if err := row.Scan(
		&idStr, &sessStr, &f.Name, &f.MimeType, &f.Size, &f.ResourceID, &f.ContentHash,
		&isFavorite, &f.ProcessingStatus, &extractedText, &f.PageCount,
		&f.CreatedAt, &f.UpdatedAt, &deletedAt,
	); err != nil {
		return File{}, err
	}
	f.ID, _ = uuid.Parse(idStr)
	f.SessionID, _ = uuid.Parse(sessStr)
	f.IsFavorite = isFavorite != 0
	if extractedText.Valid {
		f.ExtractedText = &extractedText.String
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		f.DeletedAt = &t
		f.Deleted = true
	}
	return f, nil
}

const selectFileColumns = `
	id, session_id, name, mime_type, size, resource_id, content_hash,
	is_favorite, processing_status, extracted_text, page_count,
	created_at, updated_at, deleted_at
`

func (r *Repo) findActiveByContentHash(ctx context.Context, hash string) (File, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+selectFileColumns+`
		FROM files WHERE content_hash = ? AND deleted_at IS NULL
	`, hash)
	return scanFile(row)
}

func (r *Repo) findDeletedByContentHash(ctx context.Context, hash string) (File, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+selectFileColumns+`
		FROM files WHERE content_hash = ? AND deleted_at IS NOT NULL
		ORDER BY deleted_at DESC LIMIT 1
	`, hash)
	return scanFile(row)
}

// Purge soft-deletes a file; the underlying resource/blob stays until
// nothing else references it.
func (r *Repo) Purge(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE files SET deleted_at = ?, updated_at = ? WHERE id = ?`, time.Now(), time.Now(), id.String())
	if err != nil {
		return fmt.Errorf("purge file: %w", err)
	}
	return nil
}

// Expunge implements spec §4.3's purge contract in full: it decrements the
// file's own blob (if the file's resource is stored externally), decrements
// every PDF preview page blob listed in preview_pages_json, deletes the
// file row, then deletes the bound resource row (and every preview page's
// resource row). The whole sequence runs in one transaction; any failure
// rolls it back, leaving every ref count and row exactly as it was.
func (r *Repo) Expunge(ctx context.Context, id uuid.UUID) error {
	var resourceID, previewJSON string
	row := r.db.QueryRowContext(ctx, `SELECT resource_id, COALESCE(preview_pages_json, '') FROM files WHERE id = ?`, id.String())
	if err := row.Scan(&resourceID, &previewJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load file for expunge: %w", err)
	}

	res, err := r.resources.Lookup(ctx, r.db, resourceID)
	if err != nil {
		return fmt.Errorf("load resource for expunge: %w", err)
	}

	var previewResourceIDs []string
	if previewJSON != "" {
		if err := json.Unmarshal([]byte(previewJSON), &previewResourceIDs); err != nil {
			return fmt.Errorf("unmarshal preview pages: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin expunge tx: %w", err)
	}
	defer tx.Rollback()

	if res.BlobHash != "" {
		if err := r.resources.DecrementBlobRef(ctx, tx, res.BlobHash, res.Ext); err != nil {
			return fmt.Errorf("decrement file blob ref: %w", err)
		}
	}
	for _, pageResourceID := range previewResourceIDs {
		pageRes, err := r.resources.Lookup(ctx, tx, pageResourceID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return fmt.Errorf("load preview page resource %s: %w", pageResourceID, err)
		}
		if pageRes.BlobHash != "" {
			if err := r.resources.DecrementBlobRef(ctx, tx, pageRes.BlobHash, pageRes.Ext); err != nil {
				return fmt.Errorf("decrement preview page blob ref: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, pageResourceID); err != nil {
			return fmt.Errorf("delete preview page resource row %s: %w", pageResourceID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete file row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, resourceID); err != nil {
		return fmt.Errorf("delete file resource row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit expunge: %w", err)
	}
	return nil
}

// restore clears deleted_at on a previously soft-deleted file and
// reattaches it to the session/name of the reupload that triggered the
// restore, per step 4 of the upload contract ("restore it ... set new
// name").
func (r *Repo) restore(ctx context.Context, id uuid.UUID, sessionID uuid.UUID, name string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE files SET deleted_at = NULL, session_id = ?, name = ?, updated_at = ? WHERE id = ?
	`, sessionID.String(), name, time.Now(), id.String())
	if err != nil {
		return fmt.Errorf("restore file: %w", err)
	}
	return nil
}

// GetByHash looks up an active file by its content hash, used by
// rehash-on-reupload restore logic and by direct hash-based lookups.
func (r *Repo) GetByHash(ctx context.Context, sessionID uuid.UUID, hash string) (File, error) {
	f, err := r.findActiveByContentHash(ctx, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, err
	}
	return f, nil
}

// buildPDFPreview renders each page to its own blob-backed resource and
// records per-page OCR text, falling back to the OCR engine only for pages
// whose embedded text extraction came back empty.
func (r *Repo) buildPDFPreview(ctx context.Context, fileID uuid.UUID, pdfData []byte) error {
	pages, texts, err := r.pdf.RenderPages(ctx, pdfData)
	if err != nil {
		return fmt.Errorf("render pdf pages: %w", err)
	}

	previewResourceIDs := make([]string, 0, len(pages))
	ocrPages := make([]*string, 0, len(pages))

	for i, page := range pages {
		res, err := r.resources.CreateOrReuse(ctx, r.db, "pdf_page", downscalePreviewPage(page), "png")
		if err != nil {
			return fmt.Errorf("store preview page %d: %w", i, err)
		}
		previewResourceIDs = append(previewResourceIDs, res.ID)

		text := ""
		if i < len(texts) {
			text = texts[i]
		}
		if strings.TrimSpace(text) == "" && r.ocr != nil {
			if ocrText, err := r.ocr.Recognize(ctx, page); err == nil {
				text = ocrText
			}
		}
		ocrPages = append(ocrPages, &text)
	}

	return r.SavePreview(ctx, fileID, previewResourceIDs, ocrPages)
}

// SavePreview persists the full set of preview-page resource ids and their
// OCR text in one write, as buildPDFPreview does once rendering completes.
// A nil entry in ocrPages is marshaled as JSON null, distinguishing a page
// nobody has set text for yet from one whose OCR genuinely came back empty.
func (r *Repo) SavePreview(ctx context.Context, fileID uuid.UUID, previewResourceIDs []string, ocrPages []*string) error {
	previewJSON, err := json.Marshal(previewResourceIDs)
	if err != nil {
		return fmt.Errorf("marshal preview pages: %w", err)
	}
	ocrJSON, err := json.Marshal(ocrPages)
	if err != nil {
		return fmt.Errorf("marshal ocr pages: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE files SET preview_pages_json = ?, ocr_pages_json = ? WHERE id = ?
	`, string(previewJSON), string(ocrJSON), fileID.String())
	if err != nil {
		return fmt.Errorf("save preview/ocr: %w", err)
	}
	return nil
}

// SetOCRPage writes the OCR text for a single page: read the stored array,
// extend it to max(current length, pageIndex+1) so later pages stay null
// until they're explicitly set, write the slot, then save the whole array
// back. Lets a caller fill in OCR text page by page (e.g. a background
// re-OCR pass) without re-rendering or re-uploading the document.
func (r *Repo) SetOCRPage(ctx context.Context, fileID uuid.UUID, pageIndex int, text string) error {
	var raw sql.NullString
	row := r.db.QueryRowContext(ctx, `SELECT ocr_pages_json FROM files WHERE id = ?`, fileID.String())
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load ocr pages: %w", err)
	}

	var pages []*string
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &pages); err != nil {
			return fmt.Errorf("unmarshal ocr pages: %w", err)
		}
	}
	if n := pageIndex + 1; n > len(pages) {
		extended := make([]*string, n)
		copy(extended, pages)
		pages = extended
	}
	pages[pageIndex] = &text

	ocrJSON, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("marshal ocr pages: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE files SET ocr_pages_json = ? WHERE id = ?`, string(ocrJSON), fileID.String())
	if err != nil {
		return fmt.Errorf("save ocr page: %w", err)
	}
	return nil
}

// downscalePreviewPage shrinks a rendered PDF page to previewMaxDimension
// on its longer side before it's handed to the resource registry,
// keeping preview blobs close to screen resolution instead of whatever
// the renderer's native DPI produced. A page the decoder can't parse (or
// one already small enough) is stored unchanged rather than dropped.
func downscalePreviewPage(page []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(page))
	if err != nil {
		return page
	}
	bounds := img.Bounds()
	if bounds.Dx() <= previewMaxDimension && bounds.Dy() <= previewMaxDimension {
		return page
	}

	resized := imaging.Fit(img, previewMaxDimension, previewMaxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return page
	}
	return buf.Bytes()
}

// GetOCRPages returns the per-page OCR text array for a previously
// previewed PDF file. A nil entry means that page's text was never set
// (not that it was set to empty), preserved across the JSON round trip
// rather than collapsed to "".
func (r *Repo) GetOCRPages(ctx context.Context, fileID uuid.UUID) ([]*string, error) {
	var raw sql.NullString
	row := r.db.QueryRowContext(ctx, `SELECT ocr_pages_json FROM files WHERE id = ?`, fileID.String())
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var pages []*string
	if err := json.Unmarshal([]byte(raw.String), &pages); err != nil {
		return nil, fmt.Errorf("unmarshal ocr pages: %w", err)
	}
	return pages, nil
}
