package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/command"
	"github.com/3leaps/emop/pkg/job"
)

// ErrUnsupportedEngine reports an OCR engine with no registered
// implementation.
var ErrUnsupportedEngine = errors.New("unsupported OCR engine")

// OCRFactory builds the OCR stage of an engine for one page.
type OCRFactory func(j *job.Job, env *Env) Stage

var (
	enginesMu sync.RWMutex
	engines   = map[string]OCRFactory{}
)

// RegisterOCR makes an OCR engine available under name.
func RegisterOCR(name string, f OCRFactory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[strings.ToLower(strings.TrimSpace(name))] = f
}

// Engines lists registered OCR engines.
func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	names := make([]string, 0, len(engines))
	for n := range engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewOCR builds the OCR stage for the page's configured engine.
func NewOCR(j *job.Job, env *Env) (Stage, error) {
	name := strings.ToLower(strings.TrimSpace(j.BatchJob.OCREngine.Name))
	enginesMu.RLock()
	f, ok := engines[name]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEngine, j.BatchJob.OCREngine.Name)
	}
	return f(j, env), nil
}

func init() {
	RegisterOCR("tesseract", newTesseract)
}

// Tesseract runs the tesseract CLI with hOCR output.
type Tesseract struct {
	job *job.Job
	env *Env
}

func newTesseract(j *job.Job, env *Env) Stage {
	return &Tesseract{job: j, env: env}
}

func (t *Tesseract) Name() string { return NameOCR }

func (t *Tesseract) ShouldRun() bool {
	return !allFiles(t.job.Local(t.job.XMLFile), t.job.Local(t.job.TxtFile))
}

func (t *Tesseract) Run(ctx context.Context) Result {
	j := t.job
	if !isFile(j.ImagePath) {
		return Failed("Tesseract: Could not find page image " + j.ImagePath)
	}

	xml, txt, hocr := j.Local(j.XMLFile), j.Local(j.TxtFile), j.Local(j.HOCRFile)
	if allFiles(xml, txt) {
		recordOCR(j)
		return Result{}
	}
	if err := os.MkdirAll(filepath.Dir(xml), 0o755); err != nil {
		return Failed(fmt.Sprintf("create output dir: %v", err))
	}

	// tesseract appends the extension itself.
	base := strings.TrimSuffix(xml, filepath.Ext(xml))
	res, err := t.env.runner().Run(ctx, command.Spec{
		Name: "tesseract",
		Args: []string{j.ImagePath, base, "-l", j.Font.Name, t.env.tesseractConfig()},
	})
	if err != nil {
		return Failed(err.Error())
	}
	if !res.OK() {
		return res
	}

	if isFile(hocr) && !isFile(xml) {
		t.env.logger().Debug("Renaming hOCR output", zap.String("from", hocr), zap.String("to", xml))
		if err := os.Rename(hocr, xml); err != nil {
			return Failed(fmt.Sprintf("rename %s: %v", hocr, err))
		}
	}
	recordOCR(j)
	return Result{Stdout: res.Stdout}
}

func recordOCR(j *job.Job) {
	j.PageResult.OCRTextPath = j.TxtFile
	j.PageResult.OCRXMLPath = j.XMLFile
}
