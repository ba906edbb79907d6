// Package artifacts persists role outputs as paired JSON and Markdown files
// under a run's artifact directory, with a per-run index.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ashita-ai/tsuzuki/internal/integrity"
	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
)

var (
	// ErrSchemaViolation is returned when a body fails its JSON Schema.
	// Nothing is written.
	ErrSchemaViolation = errors.New("artifacts: schema violation")

	// ErrNotFound is returned when a run has no artifact of the given type.
	ErrNotFound = errors.New("artifacts: not found")

	// ErrHeaderMismatch is returned when the JSON and Markdown forms of an
	// artifact disagree on run id or type.
	ErrHeaderMismatch = errors.New("artifacts: header mismatch")
)

const (
	indexFile     = "index.json"
	mdSeparator   = "\n---\n"
	artifactsDir  = "artifacts"
	filePerm      = 0o644
	artifactsPerm = 0o755
)

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Header is the metadata block carried by both forms of an artifact.
type Header struct {
	RunID        uuid.UUID            `json:"run_id"`
	ArtifactType string               `json:"artifact_type"`
	AuthorRole   model.Role           `json:"author_role"`
	Version      int                  `json:"version"`
	Status       model.ArtifactStatus `json:"status"`
	CreatedAt    time.Time            `json:"created_at"`
	DependsOn    []string             `json:"depends_on,omitempty"`
	Notes        []string             `json:"notes,omitempty"`
}

// WriteRequest describes one artifact write. Schema is optional.
type WriteRequest struct {
	RunID        uuid.UUID
	ArtifactType string
	AuthorRole   model.Role
	Body         any
	Markdown     string
	Schema       *gojsonschema.Schema
	Status       model.ArtifactStatus
	DependsOn    []string
	Notes        []string
}

// WriteResult reports where an artifact landed.
type WriteResult struct {
	JSONPath string `json:"json_path"`
	MDPath   string `json:"md_path"`
	SHA256   string `json:"sha256"`
	Header   Header `json:"header"`
}

// Artifact is an artifact read back from disk.
type Artifact struct {
	Header   Header          `json:"header"`
	Body     json.RawMessage `json:"body"`
	Markdown string          `json:"markdown"`
	SHA256   string          `json:"sha256"`
}

// IndexEntry is one row of a run's index.json.
type IndexEntry struct {
	ArtifactType string `json:"artifact_type"`
	JSONPath     string `json:"json_path"`
	MDPath       string `json:"md_path"`
	Header       Header `json:"header"`
	SHA256       string `json:"sha256"`
}

type index struct {
	RunID     uuid.UUID    `json:"run_id"`
	UpdatedAt time.Time    `json:"updated_at"`
	Root      string       `json:"root"`
	Artifacts []IndexEntry `json:"artifacts"`
}

type jsonForm struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
	Meta   jsonMeta        `json:"meta"`
}

type jsonMeta struct {
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// SchemaError carries the individual field failures behind ErrSchemaViolation.
type SchemaError struct {
	ArtifactType string
	Fields       []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("artifacts: %s: schema violation: %s", e.ArtifactType, strings.Join(e.Fields, "; "))
}

func (e *SchemaError) Unwrap() error { return ErrSchemaViolation }

// Store writes and reads artifacts.
type Store struct {
	layout *memory.Layout
	logger *slog.Logger
	now    func() time.Time
	locks  sync.Map // uuid.UUID -> *sync.Mutex
}

// New creates a Store rooted at the layout's data directory.
func New(layout *memory.Layout, logger *slog.Logger) *Store {
	return &Store{
		layout: layout,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Layout returns the memory layout the store writes into.
func (s *Store) Layout() *memory.Layout { return s.layout }

func (s *Store) lock(runID uuid.UUID) func() {
	v, _ := s.locks.LoadOrStore(runID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Write validates and persists an artifact, bumping its version and
// upserting the run index.
func (s *Store) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	if req.RunID == uuid.Nil {
		return WriteResult{}, errors.New("artifacts: run id is required")
	}
	if !typePattern.MatchString(req.ArtifactType) {
		return WriteResult{}, fmt.Errorf("artifacts: invalid artifact type %q", req.ArtifactType)
	}
	if _, err := model.ParseRole(string(req.AuthorRole)); err != nil {
		return WriteResult{}, fmt.Errorf("artifacts: %w", err)
	}
	status := req.Status
	if status == "" {
		status = model.ArtifactStatusDraft
	}
	if !status.Valid() {
		return WriteResult{}, fmt.Errorf("artifacts: invalid status %q", status)
	}

	body, err := json.Marshal(req.Body)
	if err != nil {
		return WriteResult{}, fmt.Errorf("artifacts: encode body: %w", err)
	}
	if req.Schema != nil {
		if err := validate(req.Schema, req.ArtifactType, body); err != nil {
			return WriteResult{}, err
		}
	}

	if err := s.layout.EnsureRunFolders(req.RunID); err != nil {
		return WriteResult{}, err
	}

	unlock := s.lock(req.RunID)
	defer unlock()

	idx, err := s.readIndex(req.RunID)
	if err != nil {
		return WriteResult{}, err
	}
	version := 1
	for _, e := range idx.Artifacts {
		if e.ArtifactType == req.ArtifactType {
			version = e.Header.Version + 1
		}
	}

	header := Header{
		RunID:        req.RunID,
		ArtifactType: req.ArtifactType,
		AuthorRole:   req.AuthorRole,
		Version:      version,
		Status:       status,
		CreatedAt:    s.now(),
		DependsOn:    req.DependsOn,
		Notes:        req.Notes,
	}

	md, err := renderMarkdown(header, req.Markdown)
	if err != nil {
		return WriteResult{}, err
	}
	sum := integrity.SHA256Hex(md)

	jsonBytes, err := marshalIndent(jsonForm{
		Header: header,
		Body:   body,
		Meta:   jsonMeta{SHA256: sum, Bytes: len(md)},
	})
	if err != nil {
		return WriteResult{}, err
	}

	jsonRel, mdRel := s.relPaths(req.RunID, req.ArtifactType)
	if err := renameio.WriteFile(s.abs(jsonRel), jsonBytes, filePerm); err != nil {
		return WriteResult{}, fmt.Errorf("artifacts: write %s: %w", jsonRel, err)
	}
	if err := renameio.WriteFile(s.abs(mdRel), md, filePerm); err != nil {
		return WriteResult{}, fmt.Errorf("artifacts: write %s: %w", mdRel, err)
	}

	entry := IndexEntry{
		ArtifactType: req.ArtifactType,
		JSONPath:     jsonRel,
		MDPath:       mdRel,
		Header:       header,
		SHA256:       sum,
	}
	if err := s.upsertIndex(idx, req.RunID, entry); err != nil {
		return WriteResult{}, err
	}

	s.logger.Info("artifact written",
		"run_id", req.RunID,
		"artifact_type", req.ArtifactType,
		"version", version,
		"status", status,
	)
	return WriteResult{JSONPath: jsonRel, MDPath: mdRel, SHA256: sum, Header: header}, nil
}

// Read loads an artifact and checks that both forms agree.
func (s *Store) Read(ctx context.Context, runID uuid.UUID, artifactType string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if !typePattern.MatchString(artifactType) {
		return Artifact{}, fmt.Errorf("artifacts: invalid artifact type %q", artifactType)
	}
	jsonRel, mdRel := s.relPaths(runID, artifactType)

	raw, err := os.ReadFile(s.abs(jsonRel))
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, artifactType)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("artifacts: read %s: %w", jsonRel, err)
	}
	var jf jsonForm
	if err := json.Unmarshal(raw, &jf); err != nil {
		return Artifact{}, fmt.Errorf("artifacts: decode %s: %w", jsonRel, err)
	}

	md, err := os.ReadFile(s.abs(mdRel))
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, fmt.Errorf("%w: %s/%s markdown", ErrNotFound, runID, artifactType)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("artifacts: read %s: %w", mdRel, err)
	}
	mdHeader, text, err := parseMarkdown(md)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifacts: %s: %w", mdRel, err)
	}

	for _, h := range []Header{jf.Header, mdHeader} {
		if h.RunID != runID || h.ArtifactType != artifactType {
			return Artifact{}, fmt.Errorf("%w: %s/%s has run %s type %q",
				ErrHeaderMismatch, runID, artifactType, h.RunID, h.ArtifactType)
		}
	}

	return Artifact{
		Header:   jf.Header,
		Body:     jf.Body,
		Markdown: text,
		SHA256:   integrity.SHA256Hex(md),
	}, nil
}

// List returns the run's index entries sorted by artifact type. A run with
// no artifacts returns an empty slice.
func (s *Store) List(ctx context.Context, runID uuid.UUID) ([]IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx, err := s.readIndex(runID)
	if err != nil {
		return nil, err
	}
	return idx.Artifacts, nil
}

func (s *Store) relPaths(runID uuid.UUID, artifactType string) (jsonRel, mdRel string) {
	dir := filepath.ToSlash(filepath.Join("runs", runID.String(), artifactsDir))
	return dir + "/" + artifactType + ".json", dir + "/" + artifactType + ".md"
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.layout.DataDir(), filepath.FromSlash(rel))
}

func (s *Store) indexPath(runID uuid.UUID) string {
	return filepath.Join(s.layout.RunDir(runID), artifactsDir, indexFile)
}

func (s *Store) readIndex(runID uuid.UUID) (index, error) {
	raw, err := os.ReadFile(s.indexPath(runID))
	if errors.Is(err, os.ErrNotExist) {
		return index{RunID: runID, Artifacts: []IndexEntry{}}, nil
	}
	if err != nil {
		return index{}, fmt.Errorf("artifacts: read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return index{}, fmt.Errorf("artifacts: decode index: %w", err)
	}
	if idx.Artifacts == nil {
		idx.Artifacts = []IndexEntry{}
	}
	return idx, nil
}

func (s *Store) upsertIndex(idx index, runID uuid.UUID, entry IndexEntry) error {
	replaced := false
	for i := range idx.Artifacts {
		if idx.Artifacts[i].ArtifactType == entry.ArtifactType {
			idx.Artifacts[i] = entry
			replaced = true
		}
	}
	if !replaced {
		idx.Artifacts = append(idx.Artifacts, entry)
	}
	sort.Slice(idx.Artifacts, func(i, j int) bool {
		return idx.Artifacts[i].ArtifactType < idx.Artifacts[j].ArtifactType
	})
	idx.RunID = runID
	idx.UpdatedAt = entry.Header.CreatedAt
	idx.Root = manifestRoot(idx.Artifacts)

	data, err := marshalIndent(idx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.indexPath(runID)), artifactsPerm); err != nil {
		return fmt.Errorf("artifacts: index dir: %w", err)
	}
	if err := renameio.WriteFile(s.indexPath(runID), data, filePerm); err != nil {
		return fmt.Errorf("artifacts: write index: %w", err)
	}
	return nil
}

func validate(schema *gojsonschema.Schema, artifactType string, body []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("artifacts: validate %s: %w", artifactType, err)
	}
	if res.Valid() {
		return nil
	}
	fields := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		fields = append(fields, e.Field()+": "+e.Description())
	}
	return &SchemaError{ArtifactType: artifactType, Fields: fields}
}

func renderMarkdown(h Header, text string) ([]byte, error) {
	hb, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("artifacts: encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(hb)
	buf.WriteString(mdSeparator)
	buf.WriteString(text)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

func parseMarkdown(md []byte) (Header, string, error) {
	head, rest, ok := bytes.Cut(md, []byte(mdSeparator))
	if !ok {
		return Header{}, "", errors.New("missing header separator")
	}
	var h Header
	if err := json.Unmarshal(head, &h); err != nil {
		return Header{}, "", fmt.Errorf("decode header: %w", err)
	}
	return h, strings.TrimSuffix(string(rest), "\n"), nil
}

func marshalIndent(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("artifacts: encode: %w", err)
	}
	return append(b, '\n'), nil
}
