package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WritePreflight(ctx context.Context, preflight *PreflightRecord) error
	WriteTransfer(ctx context.Context, transfer *TransferRecord) error
	WriteTask(ctx context.Context, task *TaskRecord) error
	WritePending(ctx context.Context, pending *PendingRecord) error
	WriteRuntime(ctx context.Context, rt *RuntimeRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized using a mutex to ensure atomic line writes.
type JSONLWriter struct {
	w         io.Writer
	jobID     string
	scheduler string
	mu        sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer. jobID correlates the records
// of one invocation and scheduler names the batch scheduler in use.
func NewJSONLWriter(w io.Writer, jobID, scheduler string) *JSONLWriter {
	return &JSONLWriter{
		w:         w,
		jobID:     jobID,
		scheduler: scheduler,
	}
}

func (jw *JSONLWriter) WritePreflight(ctx context.Context, preflight *PreflightRecord) error {
	return jw.writeRecord(ctx, TypePreflight, preflight)
}

func (jw *JSONLWriter) WriteTransfer(ctx context.Context, transfer *TransferRecord) error {
	return jw.writeRecord(ctx, TypeTransfer, transfer)
}

func (jw *JSONLWriter) WriteTask(ctx context.Context, task *TaskRecord) error {
	return jw.writeRecord(ctx, TypeTask, task)
}

func (jw *JSONLWriter) WritePending(ctx context.Context, pending *PendingRecord) error {
	return jw.writeRecord(ctx, TypePending, pending)
}

func (jw *JSONLWriter) WriteRuntime(ctx context.Context, rt *RuntimeRecord) error {
	return jw.writeRecord(ctx, TypeRuntime, rt)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed. The underlying writer is not closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:      recordType,
		TS:        time.Now().UTC(),
		JobID:     jw.jobID,
		Scheduler: jw.scheduler,
		Data:      dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record. Commands use it when --json
// is not set.
type Discard struct{}

func (Discard) WritePreflight(context.Context, *PreflightRecord) error { return nil }
func (Discard) WriteTransfer(context.Context, *TransferRecord) error   { return nil }
func (Discard) WriteTask(context.Context, *TaskRecord) error           { return nil }
func (Discard) WritePending(context.Context, *PendingRecord) error     { return nil }
func (Discard) WriteRuntime(context.Context, *RuntimeRecord) error     { return nil }
func (Discard) WriteError(context.Context, *ErrorRecord) error         { return nil }
func (Discard) WriteSummary(context.Context, *SummaryRecord) error     { return nil }
func (Discard) Close() error                                           { return nil }

var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = Discard{}
)
