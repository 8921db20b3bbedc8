package job

import (
	"fmt"
	"path"
	"strconv"
)

// Settings carries the path layout used to derive a Job from a Record.
type Settings struct {
	// OCRRoot is the canonical directory that receives OCR output.
	OCRRoot string
	// InputPrefix is prepended to canonical input paths on the cluster.
	InputPrefix string
	// OutputPrefix is prepended to canonical output paths on the cluster.
	OutputPrefix string
}

// Job is a Record resolved against Settings: the concrete files the pipeline
// reads and writes for one page, plus the results accumulated so far.
//
// Output paths are canonical. Use Local to obtain the on-cluster location.
type Job struct {
	ID       int64
	BatchJob BatchJob
	Font     Font
	Page     Page
	Work     Work

	// ImagePath and GroundTruthPath are cluster-local input paths.
	ImagePath       string
	GroundTruthPath string

	OutputDir    string
	TxtFile      string
	XMLFile      string
	HOCRFile     string
	IDHMCXMLFile string
	IDHMCTxtFile string
	ALTOXMLFile  string
	ALTOTxtFile  string

	PageResult     PageResult
	PostprocResult PostprocResult

	settings Settings
}

// New resolves a record into a Job.
func New(rec Record, s Settings) (*Job, error) {
	if rec.Page == nil {
		return nil, fmt.Errorf("job %d: record has no page", rec.ID)
	}
	j := &Job{
		ID:       rec.ID,
		BatchJob: rec.BatchJob,
		Font:     rec.BatchJob.Font,
		Page:     *rec.Page,
		settings: s,
	}
	if rec.Work != nil {
		j.Work = *rec.Work
	}

	if rec.Page.ImagePath != "" {
		j.ImagePath = AddPrefix(s.InputPrefix, rec.Page.ImagePath)
	}
	if rec.Page.GroundTruthFile != "" {
		j.GroundTruthPath = AddPrefix(s.InputPrefix, rec.Page.GroundTruthFile)
	}

	j.OutputDir = path.Join(s.OCRRoot, strconv.FormatInt(j.BatchJob.ID, 10), strconv.FormatInt(j.Work.ID, 10))
	base := path.Join(j.OutputDir, strconv.Itoa(j.Page.Number))
	j.TxtFile = base + ".txt"
	j.XMLFile = base + ".xml"
	j.HOCRFile = base + ".hocr"
	j.IDHMCXMLFile = base + "_IDHMC.xml"
	j.IDHMCTxtFile = base + "_IDHMC.txt"
	j.ALTOXMLFile = base + "_ALTO.xml"
	j.ALTOTxtFile = base + "_ALTO.txt"

	j.PageResult = PageResult{PageID: j.Page.ID, BatchID: j.BatchJob.ID}
	j.PostprocResult = PostprocResult{PageID: j.Page.ID, BatchJobID: j.BatchJob.ID}
	return j, nil
}

// Local maps a canonical output path to its location on the cluster.
func (j *Job) Local(canonical string) string {
	return AddPrefix(j.settings.OutputPrefix, canonical)
}

// IsOCR reports whether the job's batch type is supported by the pipeline.
func (j *Job) IsOCR() bool {
	return j.BatchJob.JobType.Is(TypeOCR)
}
