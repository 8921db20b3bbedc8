// Package job models a single page of OCR work as reserved from the
// dashboard, and the per-page results the pipeline produces for it.
package job

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TypeOCR is the only batch job type the pipeline can execute.
const TypeOCR = "ocr"

// Record is one job queue entry as returned by the dashboard. Input payloads
// are a JSON array of Records.
type Record struct {
	ID       int64    `json:"id"`
	ProcID   string   `json:"proc_id,omitempty"`
	BatchJob BatchJob `json:"batch_job"`
	Page     *Page    `json:"page,omitempty"`
	Work     *Work    `json:"work,omitempty"`
}

// BatchJob describes how a batch of pages is processed.
type BatchJob struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Parameters string    `json:"parameters,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	JobType    NamedType `json:"job_type"`
	OCREngine  NamedType `json:"ocr_engine"`
	Font       Font      `json:"font"`
}

// Font is the trained OCR font used for a batch.
type Font struct {
	ID          int64  `json:"id"`
	Name        string `json:"font_name"`
	LibraryPath string `json:"font_library_path,omitempty"`
}

// Page is the page image being OCR'd.
type Page struct {
	ID              int64  `json:"id"`
	Number          int    `json:"pg_ref_number"`
	ImagePath       string `json:"pg_image_path,omitempty"`
	GroundTruthFile string `json:"pg_ground_truth_file,omitempty"`
	GaleOCRFile     string `json:"pg_gale_ocr_file,omitempty"`
}

// Work is the book a page belongs to.
type Work struct {
	ID             int64  `json:"id"`
	Title          string `json:"wks_title,omitempty"`
	EEBODirectory  string `json:"wks_eebo_directory,omitempty"`
	ECCODirectory  string `json:"wks_ecco_directory,omitempty"`
	OrganizationID int64  `json:"wks_organizational_unit,omitempty"`
}

// NamedType is a dashboard lookup value. The API sends either a bare string
// or an object carrying a name; both decode to Name.
type NamedType struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
}

func (n *NamedType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = NamedType{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = NamedType{Name: s}
		return nil
	}
	type plain NamedType
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*n = NamedType(p)
	return nil
}

// Is reports whether the lookup value matches name, ignoring case.
func (n NamedType) Is(name string) bool {
	return strings.EqualFold(strings.TrimSpace(n.Name), name)
}

// TransferFiles returns the page files that must be staged onto the cluster
// before the record can be processed.
func (r Record) TransferFiles() []string {
	if r.Page == nil {
		return nil
	}
	var files []string
	for _, f := range []string{r.Page.ImagePath, r.Page.GroundTruthFile} {
		if strings.TrimSpace(f) != "" {
			files = append(files, f)
		}
	}
	return files
}
