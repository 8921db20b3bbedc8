// Package stage defines the steps of the per-page pipeline. Every step, OCR
// engine or postprocess tool, has the same contract: report whether it needs
// to run and run, yielding captured output and an exit code.
package stage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/command"
	"github.com/3leaps/emop/pkg/job"
)

// Stage names. They appear in failure messages and timing log lines.
const (
	NameOCR             = "OCR"
	NameDenoise         = "Denoise"
	NameMultiColumnSkew = "MultiColumnSkew"
	NameXMLToText       = "XML_To_Text"
	NamePageEvaluator   = "PageEvaluator"
	NamePageCorrector   = "PageCorrector"
	NameJuxtaCompare    = "JuxtaCompare"
)

// Names lists the stages in pipeline order.
var Names = []string{
	NameOCR,
	NameDenoise,
	NameMultiColumnSkew,
	NameXMLToText,
	NamePageEvaluator,
	NamePageCorrector,
	NameJuxtaCompare,
}

// Result is the captured outcome of a stage run.
type Result = command.Result

// Stage is one pipeline step for one page.
type Stage interface {
	Name() string

	// ShouldRun reports false when the stage output is already present.
	ShouldRun() bool

	Run(ctx context.Context) Result
}

// Env carries what stages need beyond the page itself.
type Env struct {
	// Home is EMOP_HOME, the install root holding tool configuration.
	Home string

	// TesseractConfig defaults to <Home>/tess_cfg.txt.
	TesseractConfig string

	JXAlgorithm string

	// Commands overrides the argv template of a postprocess stage by name.
	Commands map[string][]string

	Runner command.Runner
	Logger *zap.Logger
}

func (e *Env) runner() command.Runner {
	if e.Runner == nil {
		return command.OSRunner{}
	}
	return e.Runner
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) tesseractConfig() string {
	if e.TesseractConfig != "" {
		return e.TesseractConfig
	}
	return filepath.Join(e.Home, "tess_cfg.txt")
}

// Failed builds a failing Result.
func Failed(stderr string) Result {
	return Result{Stderr: stderr, ExitCode: 1}
}

// expand substitutes page placeholders into an argv template. File
// placeholders resolve to cluster-local paths.
func expand(args []string, j *job.Job, env *Env) []string {
	r := strings.NewReplacer(
		"{emop_home}", env.Home,
		"{image}", j.ImagePath,
		"{ground_truth}", j.GroundTruthPath,
		"{xml}", j.Local(j.XMLFile),
		"{txt}", j.Local(j.TxtFile),
		"{hocr}", j.Local(j.HOCRFile),
		"{idhmc_xml}", j.Local(j.IDHMCXMLFile),
		"{idhmc_txt}", j.Local(j.IDHMCTxtFile),
		"{alto_xml}", j.Local(j.ALTOXMLFile),
		"{alto_txt}", j.Local(j.ALTOTxtFile),
		"{output_dir}", j.Local(j.OutputDir),
		"{font}", j.Font.Name,
		"{font_path}", j.Font.LibraryPath,
		"{page_id}", strconv.FormatInt(j.Page.ID, 10),
		"{page_number}", strconv.Itoa(j.Page.Number),
		"{batch_id}", strconv.FormatInt(j.BatchJob.ID, 10),
		"{work_id}", strconv.FormatInt(j.Work.ID, 10),
		"{jx_algorithm}", env.JXAlgorithm,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func allFiles(paths ...string) bool {
	for _, p := range paths {
		if !isFile(p) {
			return false
		}
	}
	return len(paths) > 0
}
