package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/3leaps/emop/pkg/output"
	"github.com/3leaps/emop/pkg/provider"
	"github.com/3leaps/emop/pkg/transfer"
)

// itemRetries bounds retries of one item on transient provider errors.
const itemRetries = 3

// RunTask copies every item of a task and records the outcome. It is the
// body of the detached worker process. A task that already finished is left
// untouched.
func (c *Client) RunTask(ctx context.Context, taskID string, w output.Writer) error {
	if w == nil {
		w = output.Discard{}
	}
	rec, err := c.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		c.logger.Info("Task already finished", zap.String("task_id", taskID), zap.String("status", string(rec.Status)))
		return nil
	}

	fail := func(err error) error {
		rec.Status = transfer.StatusFailed
		rec.CompletionTime = time.Now().UTC()
		rec.Errors = append(rec.Errors, err.Error())
		if saveErr := c.tasks.Save(rec); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		return err
	}

	src, err := c.endpoint(ctx, rec.SourceEndpoint)
	if err != nil {
		return fail(err)
	}
	dst, err := c.endpoint(ctx, rec.DestinationEndpoint)
	if err != nil {
		return fail(err)
	}

	rec.Status = transfer.StatusActive
	rec.Successful = rec.Successful[:0]
	rec.FilesSkipped, rec.FilesTransferred = 0, 0
	rec.Errors = nil
	if err := c.tasks.Save(rec); err != nil {
		return err
	}

	for _, item := range rec.Items {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		skipped, n, err := c.copyItem(ctx, src, dst, item, rec.SyncLevel)
		if err != nil {
			c.logger.Error("Transfer item failed", zap.String("task_id", taskID), zap.String("src", item.Src), zap.Error(err))
			rec.Errors = append(rec.Errors, fmt.Sprintf("%s -> %s: %v", item.Src, item.Dest, err))
		} else if skipped {
			rec.FilesSkipped++
		} else {
			rec.FilesTransferred++
			rec.Successful = append(rec.Successful, item)
		}
		if err == nil {
			_ = w.WriteTransfer(ctx, &output.TransferRecord{
				TaskID:  taskID,
				Label:   rec.Label,
				Src:     item.Src,
				Dest:    item.Dest,
				Bytes:   n,
				Skipped: skipped,
			})
		}
		if err := c.tasks.Save(rec); err != nil {
			return err
		}
	}

	rec.Status = transfer.StatusSucceeded
	if len(rec.Errors) > 0 {
		rec.Status = transfer.StatusFailed
	}
	rec.CompletionTime = time.Now().UTC()
	if err := c.tasks.Save(rec); err != nil {
		return err
	}
	c.logger.Info("Transfer task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(rec.Status)),
		zap.Int("transferred", rec.FilesTransferred),
		zap.Int("skipped", rec.FilesSkipped),
		zap.Int("failed", len(rec.Errors)))
	return nil
}

func (c *Client) copyItem(ctx context.Context, src, dst provider.Provider, item transfer.Item, syncLevel int) (skipped bool, n int64, err error) {
	op := func() error {
		skipped, n, err = c.copyOnce(ctx, src, dst, item, syncLevel)
		if err != nil && !provider.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), itemRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return false, 0, err
	}
	return skipped, n, nil
}

func (c *Client) copyOnce(ctx context.Context, src, dst provider.Provider, item transfer.Item, syncLevel int) (bool, int64, error) {
	if syncLevel > 0 {
		current, err := upToDate(ctx, src, dst, item, syncLevel)
		if err != nil {
			return false, 0, err
		}
		if current {
			return true, 0, nil
		}
	}

	body, size, err := src.GetObject(ctx, item.Src)
	if err != nil {
		return false, 0, err
	}
	sp, err := spool(body, size, c.cfg.SpoolMemoryBytes)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = sp.Close() }()

	if err := dst.PutObject(ctx, item.Dest, sp, sp.size); err != nil {
		return false, 0, err
	}
	return false, sp.size, nil
}

// upToDate applies the sync level to an existing destination: 1 compares
// size, 2 also requires the destination to be at least as new, 3 compares
// checksums where both sides report one and otherwise falls back to 2.
func upToDate(ctx context.Context, src, dst provider.Provider, item transfer.Item, syncLevel int) (bool, error) {
	have, err := dst.Head(ctx, item.Dest)
	if err != nil {
		if provider.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	want, err := src.Head(ctx, item.Src)
	if err != nil {
		return false, err
	}
	if have.Size != want.Size {
		return false, nil
	}
	if syncLevel >= 3 && have.ETag != "" && want.ETag != "" {
		return have.ETag == want.ETag, nil
	}
	if syncLevel >= 2 {
		return !have.LastModified.Before(want.LastModified), nil
	}
	return true, nil
}
