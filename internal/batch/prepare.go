package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/formprep/internal/domain"
	"github.com/dunamismax/formprep/internal/id"
	"github.com/dunamismax/formprep/internal/pipeline"
)

type RunSpec struct {
	TemplatePath string
	InDir        string
	OutDir       string
	Config       domain.PipelineConfig
	Extensions   []string
	CleanBefore  bool
}

// Plan is the result of run setup: the resolved run record and one job per
// discovered input, in discovery order. Jobs whose output name is already
// claimed by an earlier job are failed up front.
type Plan struct {
	Run  domain.Run
	Jobs []domain.ImageJob
}

func (p Plan) Pending() []int {
	out := make([]int, 0, len(p.Jobs))
	for i, job := range p.Jobs {
		if !job.Terminal() {
			out = append(out, i)
		}
	}
	return out
}

// Prepare performs every fatal check of a run. On error nothing has been
// written to disk.
func Prepare(spec RunSpec) (Plan, error) {
	if err := spec.Config.Validate(); err != nil {
		return Plan{}, err
	}
	if strings.TrimSpace(spec.OutDir) == "" {
		return Plan{}, fmt.Errorf("%w: output directory is required", domain.ErrOutputDirUncreatable)
	}
	if spec.CleanBefore && samePath(spec.InDir, spec.OutDir) {
		return Plan{}, fmt.Errorf("%w: refusing to clean the input directory %s", domain.ErrInvalidConfig, spec.OutDir)
	}

	geom, err := pipeline.ResolveTemplate(spec.TemplatePath)
	if err != nil {
		return Plan{}, err
	}

	files, err := Discover(spec.InDir, spec.Extensions)
	if err != nil {
		return Plan{}, err
	}

	if err := os.MkdirAll(spec.OutDir, 0o755); err != nil {
		return Plan{}, fmt.Errorf("%w: %s: %v", domain.ErrOutputDirUncreatable, spec.OutDir, err)
	}
	if spec.CleanBefore {
		if err := cleanDir(spec.OutDir); err != nil {
			return Plan{}, fmt.Errorf("%w: clean %s: %v", domain.ErrOutputDirUncreatable, spec.OutDir, err)
		}
	}

	run := domain.Run{
		ID:           id.New(),
		TemplatePath: spec.TemplatePath,
		InDir:        spec.InDir,
		OutDir:       spec.OutDir,
		Geometry:     geom,
		Config:       spec.Config,
		Total:        len(files),
		CreatedAt:    time.Now().UTC(),
	}

	jobs := make([]domain.ImageJob, len(files))
	claimed := make(map[string]string, len(files))
	for i, src := range files {
		out := filepath.Join(spec.OutDir, pipeline.OutputName(src, spec.Config.OutputSuffix))
		jobs[i] = domain.ImageJob{
			SourcePath: src,
			OutputPath: out,
			Status:     domain.JobStatusPending,
		}

		if first, ok := claimed[out]; ok {
			jobs[i].Fail(fmt.Errorf("%w: %s already written by %s", domain.ErrOutputCollision, filepath.Base(out), filepath.Base(first)), 0)
			continue
		}
		claimed[out] = src
	}

	return Plan{Run: run, Jobs: jobs}, nil
}

func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
