package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, line []byte) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	return record
}

func TestJSONLWriter_WriteTask(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "20150101000000001", "slurm")

	err := w.WriteTask(context.Background(), &TaskRecord{TaskID: "abc", Status: "SUCCEEDED", Files: 3, FilesTransferred: 3})
	require.NoError(t, err)

	record := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeTask, record.Type)
	assert.Equal(t, "20150101000000001", record.JobID)
	assert.Equal(t, "slurm", record.Scheduler)
	assert.False(t, record.TS.IsZero())

	var task TaskRecord
	require.NoError(t, json.Unmarshal(record.Data, &task))
	assert.Equal(t, "abc", task.TaskID)
	assert.Equal(t, 3, task.FilesTransferred)
}

func TestJSONLWriter_WriteRuntime(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "", "")

	rt := &RuntimeRecord{
		PagesCompleted: 10,
		AvgPageRuntime: 5.5,
		Processes:      []ProcessRuntimeStat{{Name: "OCR", Completed: 10, Total: 55, Average: 5.5}},
	}
	require.NoError(t, w.WriteRuntime(context.Background(), rt))

	record := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeRuntime, record.Type)
	assert.Empty(t, record.Scheduler)

	var got RuntimeRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, *rt, got)
}

func TestPreflightRecordOK(t *testing.T) {
	p := &PreflightRecord{Results: []EndpointCheckResult{
		{Endpoint: "a", Activated: true},
		{Endpoint: "b", Activated: true, Warning: "expires soon"},
	}}
	assert.True(t, p.OK())

	p.FailOnWarn = true
	assert.False(t, p.OK())

	p = &PreflightRecord{Results: []EndpointCheckResult{{Endpoint: "a"}}}
	assert.False(t, p.OK())
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "local")

	require.NoError(t, w.WritePending(context.Background(), &PendingRecord{Count: 4}))
	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeNoWork, Message: "No work to be done"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, TypePending, decodeLine(t, []byte(lines[0])).Type)
	assert.Equal(t, TypeError, decodeLine(t, []byte(lines[1])).Type)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "local")

	require.NoError(t, w.Close())
	err := w.WriteSummary(context.Background(), &SummaryRecord{Command: "submit"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "local")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteTransfer(context.Background(), &TransferRecord{TaskID: "t", Bytes: int64(writerID*writesPerWriter + j)})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123", "local")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WritePending(ctx, &PendingRecord{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "job-123", "local")

	err := w.WritePending(context.Background(), &PendingRecord{})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "job-123", "local")

	require.NoError(t, w.WriteTransfer(context.Background(), &TransferRecord{TaskID: "abc", Src: "/a", Dest: "/b"}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, TypeTransfer, decodeLine(t, []byte(lines[0])).Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "job-123", "local")
	err := w.WritePending(context.Background(), &PendingRecord{})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestDiscard(t *testing.T) {
	var w Writer = Discard{}
	assert.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{}))
	assert.NoError(t, w.Close())
}
