package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/integrity"
	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

var goldenRun = uuid.MustParse("0190f0e0-0000-7000-8000-000000000001")

const specBody = `{
	"problemStatement": "Founders lose track of long-running work",
	"userJourney": ["send a request", "receive a summary"],
	"functionalRequirements": [{"id": "FR1", "text": "Show run status", "priority": "must"}],
	"acceptanceCriteria": [{"id": "AC1", "text": "Status visible within one minute"}],
	"milestones": [{"id": "M1", "name": "MVP", "definitionOfDone": ["status page deployed"]}]
}`

func newStore(t *testing.T) (*Store, *memory.Layout) {
	t.Helper()
	dir := t.TempDir()
	layout, err := memory.NewLayout(filepath.Join(dir, "data"), filepath.Join(dir, "memory"))
	require.NoError(t, err)
	s := New(layout, testutil.TestLogger())
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, layout
}

func specRequest(t *testing.T) WriteRequest {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(specBody), &body))
	schema, err := BuiltinSchema(TypeSpec)
	require.NoError(t, err)
	require.NotNil(t, schema)
	return WriteRequest{
		RunID:        goldenRun,
		ArtifactType: TypeSpec,
		AuthorRole:   model.RolePM,
		Body:         body,
		Markdown:     "# Spec\n\nTrack runs from chat.",
		Schema:       schema,
		DependsOn:    []string{"founder_brief"},
	}
}

func TestWriteGolden(t *testing.T) {
	s, layout := newStore(t)
	ctx := context.Background()

	res, err := s.Write(ctx, specRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "runs/"+goldenRun.String()+"/artifacts/spec.json", res.JSONPath)
	assert.Equal(t, "runs/"+goldenRun.String()+"/artifacts/spec.md", res.MDPath)
	assert.Equal(t, 1, res.Header.Version)
	assert.Equal(t, model.ArtifactStatusDraft, res.Header.Status)

	jsonBytes, err := os.ReadFile(filepath.Join(layout.DataDir(), res.JSONPath))
	require.NoError(t, err)
	mdBytes, err := os.ReadFile(filepath.Join(layout.DataDir(), res.MDPath))
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, "spec_md", mdBytes)
	g.Assert(t, "spec_json", jsonBytes)
	assert.Equal(t, integrity.SHA256Hex(mdBytes), res.SHA256)
}

func TestWriteBumpsVersion(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	req := specRequest(t)

	for want := 1; want <= 3; want++ {
		res, err := s.Write(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, want, res.Header.Version)
	}

	entries, err := s.List(ctx, goldenRun)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Header.Version)
}

func TestWriteSchemaViolationWritesNothing(t *testing.T) {
	s, layout := newStore(t)
	req := specRequest(t)
	req.Body = map[string]any{"problemStatement": ""}

	_, err := s.Write(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaViolation))

	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.NotEmpty(t, se.Fields)

	_, statErr := os.Stat(layout.RunDir(goldenRun))
	assert.True(t, os.IsNotExist(statErr), "run directory should not exist")
}

func TestWriteRejectsBadInput(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		mod  func(*WriteRequest)
	}{
		{"nil run", func(r *WriteRequest) { r.RunID = uuid.Nil }},
		{"uppercase type", func(r *WriteRequest) { r.ArtifactType = "Spec" }},
		{"path type", func(r *WriteRequest) { r.ArtifactType = "../spec" }},
		{"unknown role", func(r *WriteRequest) { r.AuthorRole = "ceo" }},
		{"bad status", func(r *WriteRequest) { r.Status = "approved" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := specRequest(t)
			tt.mod(&req)
			_, err := s.Write(ctx, req)
			assert.Error(t, err)
		})
	}
}

func TestReadRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	req := specRequest(t)
	req.Status = model.ArtifactStatusReady

	res, err := s.Write(ctx, req)
	require.NoError(t, err)

	a, err := s.Read(ctx, goldenRun, TypeSpec)
	require.NoError(t, err)
	assert.Equal(t, res.Header, a.Header)
	assert.Equal(t, "# Spec\n\nTrack runs from chat.", a.Markdown)
	assert.Equal(t, res.SHA256, a.SHA256)
	assert.JSONEq(t, specBody, string(a.Body))
}

func TestReadNotFound(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Read(context.Background(), uuid.New(), TypeDesign)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadHeaderMismatch(t *testing.T) {
	s, layout := newStore(t)
	ctx := context.Background()

	res, err := s.Write(ctx, specRequest(t))
	require.NoError(t, err)

	// Rewrite the markdown header as if it belonged to another run.
	mdPath := filepath.Join(layout.DataDir(), res.MDPath)
	h := res.Header
	h.RunID = uuid.New()
	md, err := renderMarkdown(h, "tampered")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mdPath, md, 0o644))

	_, err = s.Read(ctx, goldenRun, TypeSpec)
	assert.ErrorIs(t, err, ErrHeaderMismatch)
}

func TestListSortedAndEmpty(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	entries, err := s.List(ctx, goldenRun)
	require.NoError(t, err)
	assert.Empty(t, entries)

	for _, typ := range []string{"qa_report", "design", "notes"} {
		_, err := s.Write(ctx, WriteRequest{
			RunID:        goldenRun,
			ArtifactType: typ,
			AuthorRole:   model.RoleEng,
			Body:         map[string]any{"n": typ},
			Markdown:     typ,
		})
		require.NoError(t, err)
	}

	entries, err = s.List(ctx, goldenRun)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "design", entries[0].ArtifactType)
	assert.Equal(t, "notes", entries[1].ArtifactType)
	assert.Equal(t, "qa_report", entries[2].ArtifactType)
}

func TestConcurrentWritesSerializePerRun(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(ctx, WriteRequest{
				RunID:        goldenRun,
				ArtifactType: "log",
				AuthorRole:   model.RoleQA,
				Body:         map[string]any{},
				Markdown:     "entry",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := s.List(ctx, goldenRun)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 8, entries[0].Header.Version)
}

func TestBuiltinSchemas(t *testing.T) {
	for _, typ := range []string{TypeSpec, TypeDesign, TypeBuildPlan, TypeQAReport} {
		s, err := BuiltinSchema(typ)
		require.NoError(t, err, typ)
		assert.NotNil(t, s, typ)
	}
	s, err := BuiltinSchema("scratchpad")
	require.NoError(t, err)
	assert.Nil(t, s)
}
