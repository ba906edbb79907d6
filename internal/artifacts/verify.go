package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/integrity"
)

// Check is the verification result for one indexed artifact.
type Check struct {
	ArtifactType string `json:"artifact_type"`
	Expected     string `json:"expected_sha256"`
	Actual       string `json:"actual_sha256,omitempty"`
	Missing      bool   `json:"missing,omitempty"`
	OK           bool   `json:"ok"`
}

// Verification reports whether a run's artifacts still match its index.
type Verification struct {
	RunID        uuid.UUID `json:"run_id"`
	Root         string    `json:"root"`
	ComputedRoot string    `json:"computed_root"`
	Valid        bool      `json:"valid"`
	Artifacts    []Check   `json:"artifacts"`
}

// Verify rehashes every indexed Markdown file and recomputes the manifest
// root. A run with no artifacts verifies as valid.
func (s *Store) Verify(ctx context.Context, runID uuid.UUID) (Verification, error) {
	if err := ctx.Err(); err != nil {
		return Verification{}, err
	}
	unlock := s.lock(runID)
	defer unlock()

	idx, err := s.readIndex(runID)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{
		RunID:        runID,
		Root:         idx.Root,
		ComputedRoot: manifestRoot(idx.Artifacts),
		Valid:        true,
		Artifacts:    make([]Check, 0, len(idx.Artifacts)),
	}
	if v.ComputedRoot != v.Root {
		v.Valid = false
	}
	for _, e := range idx.Artifacts {
		c := Check{ArtifactType: e.ArtifactType, Expected: e.SHA256}
		md, err := os.ReadFile(s.abs(e.MDPath))
		switch {
		case errors.Is(err, os.ErrNotExist):
			c.Missing = true
		case err != nil:
			return Verification{}, fmt.Errorf("artifacts: verify %s: %w", e.MDPath, err)
		default:
			c.Actual = integrity.SHA256Hex(md)
			c.OK = c.Actual == c.Expected
		}
		if !c.OK {
			v.Valid = false
			s.logger.Warn("artifacts: integrity mismatch",
				"run_id", runID, "artifact_type", e.ArtifactType, "missing", c.Missing)
		}
		v.Artifacts = append(v.Artifacts, c)
	}
	return v, nil
}

func manifestRoot(entries []IndexEntry) string {
	leaves := make([]integrity.Leaf, len(entries))
	for i, e := range entries {
		leaves[i] = integrity.Leaf{Name: e.ArtifactType, Digest: e.SHA256}
	}
	return integrity.ManifestRoot(leaves)
}
