package job

// PageResult records the files and comparison metrics produced for a page.
type PageResult struct {
	PageID           int64    `json:"page_id"`
	BatchID          int64    `json:"batch_id"`
	OCRTextPath      string   `json:"ocr_text_path,omitempty"`
	OCRXMLPath       string   `json:"ocr_xml_path,omitempty"`
	CorrOCRTextPath  string   `json:"corr_ocr_text_path,omitempty"`
	CorrOCRXMLPath   string   `json:"corr_ocr_xml_path,omitempty"`
	JuxtaChangeIndex *float64 `json:"juxta_change_index,omitempty"`
	AltChangeIndex   *float64 `json:"alt_change_index,omitempty"`
}

// HasData reports whether any output has been recorded. Identifiers alone do
// not count.
func (r PageResult) HasData() bool {
	return r.OCRTextPath != "" || r.OCRXMLPath != "" ||
		r.CorrOCRTextPath != "" || r.CorrOCRXMLPath != "" ||
		r.JuxtaChangeIndex != nil || r.AltChangeIndex != nil
}

// PostprocResult records the page quality metrics computed by postprocessing.
type PostprocResult struct {
	PageID       int64    `json:"page_id"`
	BatchJobID   int64    `json:"batch_job_id"`
	NoisinessIdx *float64 `json:"pp_noisemsr,omitempty"`
	Ecorr        *float64 `json:"pp_ecorr,omitempty"`
	PgQuality    *float64 `json:"pp_pg_quality,omitempty"`
	Juxta        *float64 `json:"pp_juxta,omitempty"`
	Retas        *float64 `json:"pp_retas,omitempty"`
	Health       string   `json:"pp_health,omitempty"`
	Multicol     string   `json:"multicol,omitempty"`
	SkewIdx      string   `json:"skew_idx,omitempty"`
}

func (r PostprocResult) HasData() bool {
	return r.NoisinessIdx != nil || r.Ecorr != nil || r.PgQuality != nil ||
		r.Juxta != nil || r.Retas != nil ||
		r.Health != "" || r.Multicol != "" || r.SkewIdx != ""
}
