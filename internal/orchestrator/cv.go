package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CVMeta describes a rendered CV artifact
type CVMeta struct {
	FileName    string
	ContentType string
}

// CVService hands the orchestrator rendered CV artifacts. Authoring and
// rendering live outside the core; this boundary only fetches.
type CVService interface {
	Render(ctx context.Context, variantID, jobID string) ([]byte, CVMeta, error)
}

// FileCVService serves pre-rendered artifacts from a directory, keyed by
// variant id. A variant "base-en" resolves to <dir>/base-en.pdf.
type FileCVService struct {
	dir string
}

// NewFileCVService builds a file-backed CV service rooted at dir
func NewFileCVService(dir string) *FileCVService {
	return &FileCVService{dir: dir}
}

func (s *FileCVService) Render(ctx context.Context, variantID, jobID string) ([]byte, CVMeta, error) {
	name := variantID
	if filepath.Ext(name) == "" {
		name += ".pdf"
	}
	if strings.Contains(name, string(os.PathSeparator)) || strings.Contains(name, "..") {
		return nil, CVMeta{}, fmt.Errorf("invalid variant id %q", variantID)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, CVMeta{}, fmt.Errorf("failed to load cv variant %s: %w", variantID, err)
	}
	return data, CVMeta{FileName: name, ContentType: "application/pdf"}, nil
}

// StaticCVService returns the same artifact for every variant; used in tests
// and dry runs where no real CVs exist on disk.
type StaticCVService struct {
	Artifact []byte
}

func (s *StaticCVService) Render(ctx context.Context, variantID, jobID string) ([]byte, CVMeta, error) {
	artifact := s.Artifact
	if artifact == nil {
		artifact = []byte("%PDF-1.4 placeholder")
	}
	return artifact, CVMeta{FileName: variantID + ".pdf", ContentType: "application/pdf"}, nil
}
