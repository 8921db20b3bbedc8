package stage

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/command"
	"github.com/3leaps/emop/pkg/job"
)

// DefaultCommands are the argv templates of the postprocess tools relative
// to the install root. Env.Commands replaces them per stage.
var DefaultCommands = map[string][]string{
	NameDenoise: {
		"python", "{emop_home}/lib/denoise/deNoise_Post.py",
		"-p", "{xml}", "-o", "{idhmc_xml}",
	},
	NameMultiColumnSkew: {
		"python", "{emop_home}/lib/MultiColumnSkew/multicolumn_skew.py", "{idhmc_xml}",
	},
	NamePageEvaluator: {
		"java", "-Xms128M", "-Xmx128M", "-jar", "{emop_home}/lib/PageEvaluator.jar",
		"-q", "{idhmc_xml}",
	},
	NamePageCorrector: {
		"java", "-Xms128M", "-Xmx512M", "-jar", "{emop_home}/lib/PageCorrector.jar",
		"--dbconf", "{emop_home}/PageCorrector.conf", "-o", "{output_dir}", "--stats", "--alt", "2",
		"{idhmc_xml}",
	},
	NameJuxtaCompare: {
		"java", "-Xms128M", "-Xmx128M", "-jar", "{emop_home}/lib/juxta-cl.jar",
		"-diff", "{ground_truth}", "{idhmc_txt}", "-algorithm", "{jx_algorithm}",
	},
}

// Command is a postprocess stage backed by an external tool. Metrics the tool
// prints to stdout as JSON are read back into the page results.
type Command struct {
	name    string
	job     *job.Job
	env     *Env
	args    []string
	outputs []string

	// needs are local inputs that must exist for the tool to have anything
	// to do. A missing one makes Run a successful no-op.
	needs []string

	apply func(j *job.Job, stdout string)
}

func (c *Command) Name() string { return c.name }

func (c *Command) ShouldRun() bool {
	if len(c.outputs) == 0 {
		return true
	}
	return !allFiles(c.outputs...)
}

func (c *Command) Run(ctx context.Context) Result {
	for _, n := range c.needs {
		if !isFile(n) {
			c.env.logger().Debug("Stage input missing, nothing to do",
				zap.String("stage", c.name), zap.String("file", n))
			return Result{}
		}
	}
	if len(c.args) == 0 {
		return Failed("no command configured for " + c.name)
	}
	if err := os.MkdirAll(c.job.Local(c.job.OutputDir), 0o755); err != nil {
		return Failed(fmt.Sprintf("create output dir: %v", err))
	}

	argv := expand(c.args, c.job, c.env)
	res, err := c.env.runner().Run(ctx, command.Spec{Name: argv[0], Args: argv[1:]})
	if err != nil {
		return Failed(err.Error())
	}
	if res.OK() && c.apply != nil {
		c.apply(c.job, res.Stdout)
	}
	return res
}

func (e *Env) command(name string) []string {
	if args, ok := e.Commands[name]; ok {
		return args
	}
	return DefaultCommands[name]
}

// NewDenoise removes noise from the OCR hOCR and records the noisiness index.
func NewDenoise(j *job.Job, env *Env) Stage {
	return &Command{
		name:    NameDenoise,
		job:     j,
		env:     env,
		args:    env.command(NameDenoise),
		outputs: []string{j.Local(j.IDHMCXMLFile)},
		apply: func(j *job.Job, stdout string) {
			j.PostprocResult.NoisinessIdx = floatMetric(stdout, "noisiness_idx")
		},
	}
}

// NewMultiColumnSkew detects multi-column layouts and page skew.
func NewMultiColumnSkew(j *job.Job, env *Env) Stage {
	return &Command{
		name: NameMultiColumnSkew,
		job:  j,
		env:  env,
		args: env.command(NameMultiColumnSkew),
		apply: func(j *job.Job, stdout string) {
			doc := gjson.Parse(stdout)
			j.PostprocResult.Multicol = doc.Get("multicol").String()
			j.PostprocResult.SkewIdx = doc.Get("skew_idx").String()
		},
	}
}

// NewPageEvaluator scores the denoised page.
func NewPageEvaluator(j *job.Job, env *Env) Stage {
	return &Command{
		name: NamePageEvaluator,
		job:  j,
		env:  env,
		args: env.command(NamePageEvaluator),
		apply: func(j *job.Job, stdout string) {
			j.PostprocResult.Ecorr = floatMetric(stdout, "ecorr")
			j.PostprocResult.PgQuality = floatMetric(stdout, "pg_quality")
		},
	}
}

// NewPageCorrector writes the corrected ALTO output.
func NewPageCorrector(j *job.Job, env *Env) Stage {
	return &Command{
		name:    NamePageCorrector,
		job:     j,
		env:     env,
		args:    env.command(NamePageCorrector),
		outputs: []string{j.Local(j.ALTOXMLFile), j.Local(j.ALTOTxtFile)},
		apply: func(j *job.Job, stdout string) {
			j.PageResult.CorrOCRXMLPath = j.ALTOXMLFile
			j.PageResult.CorrOCRTextPath = j.ALTOTxtFile
			if h := gjson.Get(stdout, "health"); h.Exists() {
				j.PostprocResult.Health = h.String()
			}
		},
	}
}

// NewJuxtaCompare compares the page text with its ground truth. Pages
// without ground truth are skipped.
func NewJuxtaCompare(j *job.Job, env *Env) Stage {
	return &Command{
		name:  NameJuxtaCompare,
		job:   j,
		env:   env,
		args:  env.command(NameJuxtaCompare),
		needs: []string{j.GroundTruthPath, j.Local(j.IDHMCTxtFile)},
		apply: func(j *job.Job, stdout string) {
			j.PostprocResult.Juxta = changeIndex(stdout)
		},
	}
}

// Postprocess returns the postprocess stages for a page in run order.
func Postprocess(j *job.Job, env *Env, multiColumnSkew bool) []Stage {
	stages := []Stage{NewDenoise(j, env)}
	if multiColumnSkew {
		stages = append(stages, NewMultiColumnSkew(j, env))
	}
	return append(stages,
		NewXMLToText(j, env),
		NewPageEvaluator(j, env),
		NewPageCorrector(j, env),
		NewJuxtaCompare(j, env),
	)
}

func floatMetric(stdout, path string) *float64 {
	r := gjson.Get(stdout, path)
	if !r.Exists() {
		return nil
	}
	v := r.Float()
	return &v
}

// changeIndex reads either a bare number or {"change_index": n}.
func changeIndex(stdout string) *float64 {
	s := strings.TrimSpace(stdout)
	if s == "" {
		return nil
	}
	doc := gjson.Parse(s)
	if doc.IsObject() {
		return floatMetric(s, "change_index")
	}
	if doc.Type != gjson.Number {
		return nil
	}
	v := doc.Float()
	return &v
}
