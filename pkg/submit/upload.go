package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/payload"
)

// ResultsUploader sends a results document to the dashboard.
type ResultsUploader interface {
	UploadResults(ctx context.Context, results json.RawMessage) error
}

// Uploader sends run results to the dashboard.
type Uploader struct {
	dash     ResultsUploader
	payloads *payload.Store
	logger   *zap.Logger
}

func NewUploader(dash ResultsUploader, payloads *payload.Store, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{dash: dash, payloads: payloads, logger: logger}
}

// UploadProcID uploads the output of a batch, preferring the completed
// output over an interrupted one, then moves it to the uploaded variant.
func (u *Uploader) UploadProcID(ctx context.Context, procID string) error {
	variant := payload.CompletedOutput
	if !u.payloads.Exists(variant, procID) {
		variant = payload.Output
	}
	raw, err := u.payloads.ReadRaw(variant, procID)
	if err != nil {
		return err
	}
	if err := u.upload(ctx, raw, u.payloads.Path(variant, procID)); err != nil {
		return err
	}
	if err := u.payloads.MarkUploaded(procID); err != nil {
		return fmt.Errorf("mark %s uploaded: %w", procID, err)
	}
	return nil
}

// UploadFile uploads one results document.
func (u *Uploader) UploadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return u.upload(ctx, raw, path)
}

// UploadDir uploads every *.json document directly under dir. It keeps going
// after a failure and reports all of them.
func (u *Uploader) UploadDir(ctx context.Context, dir string) error {
	files, err := doublestar.FilepathGlob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no payload files in %s", dir)
	}
	var errs []error
	for _, f := range files {
		if err := u.UploadFile(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *Uploader) upload(ctx context.Context, raw []byte, source string) error {
	if !json.Valid(raw) {
		return fmt.Errorf("%s is not valid JSON", source)
	}
	if err := u.dash.UploadResults(ctx, raw); err != nil {
		u.logger.Error("Upload failed", zap.String("file", source), zap.Error(err))
		return fmt.Errorf("upload %s: %w", source, err)
	}
	u.logger.Info("Uploaded results", zap.String("file", source))
	return nil
}
