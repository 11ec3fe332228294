// Package migrate imports a beads issues.jsonl export into an embedded
// board store.
//
// The import builds a fresh database next to the destination and swaps it
// in with an atomic rename, so a failed import never leaves a half-written
// store behind. Item ids, labels, dependency edges and comments are kept
// as exported.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/beadsboard/internal/adapter/sqlite"
	"github.com/steveyegge/beadsboard/internal/types"
)

// ErrNothingToImport is returned when an export holds no live items.
var ErrNothingToImport = errors.New("export contains no items")

// Record is one line of a beads JSONL export. Fields the board does not
// store are ignored.
type Record struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Description        string           `json:"description,omitempty"`
	Design             string           `json:"design,omitempty"`
	AcceptanceCriteria string           `json:"acceptance_criteria,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	Status             string           `json:"status,omitempty"`
	Priority           int              `json:"priority"`
	IssueType          string           `json:"issue_type,omitempty"`
	Assignee           string           `json:"assignee,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	ClosedAt           *time.Time       `json:"closed_at,omitempty"`
	DueAt              *time.Time       `json:"due_at,omitempty"`
	DeferUntil         *time.Time       `json:"defer_until,omitempty"`
	ExternalRef        *string          `json:"external_ref,omitempty"`
	Pinned             bool             `json:"pinned,omitempty"`
	IsTemplate         bool             `json:"is_template,omitempty"`
	Ephemeral          bool             `json:"ephemeral,omitempty"`
	Metadata           json.RawMessage  `json:"metadata,omitempty"`
	Labels             []string         `json:"labels,omitempty"`
	Dependencies       []*DepRecord     `json:"dependencies,omitempty"`
	Comments           []*CommentRecord `json:"comments,omitempty"`
	DeletedAt          *time.Time       `json:"deleted_at,omitempty"`
}

// DepRecord is an exported dependency edge: IssueID depends on DependsOnID.
type DepRecord struct {
	IssueID     string    `json:"issue_id"`
	DependsOnID string    `json:"depends_on_id"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// CommentRecord is an exported comment.
type CommentRecord struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// IsTombstone reports whether the record marks a deleted item.
func (r *Record) IsTombstone() bool {
	return r.Status == "tombstone" || r.DeletedAt != nil
}

// setDefaults fills the fields bd leaves out of sparse exports.
func (r *Record) setDefaults(now time.Time) {
	if r.Status == "" {
		r.Status = string(types.StatusOpen)
	}
	if r.IssueType == "" {
		r.IssueType = types.DefaultIssueType
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
}

// Options configures an import.
type Options struct {
	// FromJSONL is the export to read.
	FromJSONL string

	// To is the database file to create or replace.
	To string

	// Prefix is the id prefix recorded in a new store (default: bd).
	Prefix string

	// DryRun parses and counts without writing.
	DryRun bool

	// Force replaces an existing database at To.
	Force bool

	// Backup copies an existing database aside before it is replaced.
	Backup bool
}

// Result contains statistics about an import.
type Result struct {
	ItemsImported     int
	TombstonesSkipped int
	DepsCreated       int
	LabelsCreated     int
	CommentsCreated   int
	BackupCreated     string

	// Errors lists edges that were skipped, typically because an endpoint
	// is missing from the export.
	Errors []string
}

// FromJSONL reads a JSONL export. Blank lines are skipped.
func FromJSONL(path string) ([]*Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// ReadJSONL parses JSONL records from r.
func ReadJSONL(r io.Reader) ([]*Record, error) {
	var records []*Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNum := 0
	now := time.Now().UTC()
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("record at line %d has no id", lineNum)
		}
		rec.setDefaults(now)
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return records, nil
}

// Import reads opts.FromJSONL and writes it into a new store at opts.To.
func Import(ctx context.Context, opts Options) (*Result, error) {
	records, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	return ImportRecords(ctx, records, opts)
}

// ImportRecords writes records into a new store at opts.To. FromJSONL is
// ignored.
func ImportRecords(ctx context.Context, records []*Record, opts Options) (*Result, error) {
	now := time.Now().UTC()
	live := 0
	for _, rec := range records {
		rec.setDefaults(now)
		if !rec.IsTombstone() {
			live++
		}
	}
	if live == 0 {
		return nil, ErrNothingToImport
	}

	_, statErr := os.Stat(opts.To)
	exists := statErr == nil
	if exists && !opts.Force {
		return nil, fmt.Errorf("%s already exists (use --force to replace it)", opts.To)
	}

	result := &Result{}
	if opts.DryRun {
		count(records, result)
		return result, nil
	}

	if exists && opts.Backup {
		backupPath := opts.To + ".backup." + time.Now().Format("20060102-150405")
		if err := copyFile(opts.To, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	dir, base := filepath.Split(opts.To)
	tmp := filepath.Join(dir, "."+base+".import-"+uuid.NewString()[:8])
	defer os.Remove(tmp)

	if err := sqlite.Create(ctx, tmp, opts.Prefix); err != nil {
		return nil, err
	}
	if err := write(ctx, tmp, records, result); err != nil {
		return nil, err
	}
	if err := atomic.ReplaceFile(tmp, opts.To); err != nil {
		return nil, fmt.Errorf("failed to replace %s: %w", opts.To, err)
	}
	return result, nil
}

// count fills result the way write would, without a database.
func count(records []*Record, result *Result) {
	ids := make(map[string]bool, len(records))
	for _, rec := range records {
		if !rec.IsTombstone() {
			ids[rec.ID] = true
		}
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.IsTombstone() {
			result.TombstonesSkipped++
			continue
		}
		result.ItemsImported++
		result.LabelsCreated += len(types.NormalizeLabels(rec.Labels))
		result.CommentsCreated += len(rec.Comments)
		for _, dep := range rec.Dependencies {
			key, err := edgeKey(rec, dep, ids)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if !seen[key] {
				seen[key] = true
				result.DepsCreated++
			}
		}
	}
}

// edgeKey validates one edge and returns its identity.
func edgeKey(rec *Record, dep *DepRecord, ids map[string]bool) (string, error) {
	from := dep.IssueID
	if from == "" {
		from = rec.ID
	}
	if !ids[from] || !ids[dep.DependsOnID] {
		return "", fmt.Errorf("skipped dependency %s -> %s: endpoint not in export", from, dep.DependsOnID)
	}
	if from == dep.DependsOnID {
		return "", fmt.Errorf("skipped dependency %s -> %s: self reference", from, dep.DependsOnID)
	}
	return from + "|" + dep.DependsOnID, nil
}

func write(ctx context.Context, path string, records []*Record, result *Result) error {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.IsTombstone() {
			result.TombstonesSkipped++
			continue
		}
		if err := insertItem(ctx, tx, rec); err != nil {
			return err
		}
		ids[rec.ID] = true
		result.ItemsImported++
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		if !ids[rec.ID] {
			continue
		}
		for _, label := range types.NormalizeLabels(rec.Labels) {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO labels (issue_id, label) VALUES (?, ?)`, rec.ID, label); err != nil {
				return fmt.Errorf("failed to insert label for %s: %w", rec.ID, err)
			}
			result.LabelsCreated++
		}
		for _, c := range rec.Comments {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO comments (issue_id, author, text, created_at) VALUES (?, ?, ?, ?)`,
				rec.ID, c.Author, c.Text, c.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("failed to insert comment for %s: %w", rec.ID, err)
			}
			result.CommentsCreated++
		}
		for _, dep := range rec.Dependencies {
			key, err := edgeKey(rec, dep, ids)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			from, _, _ := strings.Cut(key, "|")
			typ := dep.Type
			if typ == "" {
				typ = string(types.DepBlocks)
			}
			created := dep.CreatedAt
			if created.IsZero() {
				created = rec.CreatedAt
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dependencies (issue_id, depends_on_id, type, created_at, created_by) VALUES (?, ?, ?, ?, ?)`,
				from, dep.DependsOnID, typ, created.UTC(), dep.CreatedBy); err != nil {
				return fmt.Errorf("failed to insert dependency %s: %w", key, err)
			}
			result.DepsCreated++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

func insertItem(ctx context.Context, tx *sql.Tx, rec *Record) error {
	var metadata any
	if len(rec.Metadata) > 0 && string(rec.Metadata) != "null" {
		metadata = string(rec.Metadata)
	}
	var externalRef any
	if rec.ExternalRef != nil {
		externalRef = *rec.ExternalRef
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issues (
			id, title, description, design, acceptance_criteria, notes,
			status, priority, issue_type, assignee,
			created_at, updated_at, closed_at, external_ref,
			ephemeral, pinned, is_template, due_at, defer_until, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Title, rec.Description, rec.Design, rec.AcceptanceCriteria, rec.Notes,
		rec.Status, rec.Priority, rec.IssueType, nullable(rec.Assignee),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), utc(rec.ClosedAt), externalRef,
		flag(rec.Ephemeral), flag(rec.Pinned), flag(rec.IsTemplate), utc(rec.DueAt), utc(rec.DeferUntil), metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec.ID, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func utc(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func copyFile(src, dst string) error {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return atomic.WriteFile(dst, bytes.NewReader(data))
}
