//go:build gosseract

package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/otiai10/gosseract/v2"

	"github.com/3leaps/emop/pkg/atomicfile"
	"github.com/3leaps/emop/pkg/job"
)

func init() {
	RegisterOCR("gosseract", newGosseract)
}

// Gosseract runs tesseract in-process through libtesseract. Build with
// -tags gosseract.
type Gosseract struct {
	job *job.Job
	env *Env
}

func newGosseract(j *job.Job, env *Env) Stage {
	return &Gosseract{job: j, env: env}
}

func (g *Gosseract) Name() string { return NameOCR }

func (g *Gosseract) ShouldRun() bool {
	return !allFiles(g.job.Local(g.job.XMLFile), g.job.Local(g.job.TxtFile))
}

func (g *Gosseract) Run(ctx context.Context) Result {
	j := g.job
	if !isFile(j.ImagePath) {
		return Failed("gosseract: Could not find page image " + j.ImagePath)
	}
	if err := ctx.Err(); err != nil {
		return Failed(err.Error())
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImage(j.ImagePath); err != nil {
		return Failed(fmt.Sprintf("set image: %v", err))
	}
	if j.Font.Name != "" {
		if err := client.SetLanguage(j.Font.Name); err != nil {
			return Failed(fmt.Sprintf("set language %s: %v", j.Font.Name, err))
		}
	}
	if j.Font.LibraryPath != "" {
		if err := client.SetTessdataPrefix(j.Font.LibraryPath); err != nil {
			return Failed(fmt.Sprintf("set tessdata prefix: %v", err))
		}
	}

	text, err := client.Text()
	if err != nil {
		return Failed(err.Error())
	}
	hocr, err := client.HOCRText()
	if err != nil {
		return Failed(err.Error())
	}

	xml, txt := j.Local(j.XMLFile), j.Local(j.TxtFile)
	if err := os.MkdirAll(filepath.Dir(xml), 0o755); err != nil {
		return Failed(fmt.Sprintf("create output dir: %v", err))
	}
	if err := atomicfile.Write(txt, []byte(text)); err != nil {
		return Failed(err.Error())
	}
	if err := atomicfile.Write(xml, []byte(hocr)); err != nil {
		return Failed(err.Error())
	}
	recordOCR(j)
	return Result{}
}
