package secapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fivetwenty-io/secapi/internal/constants"
)

// ErrBatchFailed is returned by ExecuteAll when at least one operation failed.
var ErrBatchFailed = errors.New("batch failed")

// BatchOperation is one request of a batch.
type BatchOperation struct {
	ID       string
	Request  *Request
	Callback func(result *BatchResult)
}

// BatchResult is the outcome of one operation.
type BatchResult struct {
	ID       string
	Success  bool
	Response *Response
	Error    error
	Duration time.Duration
}

// BatchExecutor runs independent requests concurrently through one client.
// All operations share the client's token, rate limiter and cache.
type BatchExecutor struct {
	doer        Doer
	concurrency int
	timeout     time.Duration
}

// NewBatchExecutor creates a batch executor. A non-positive concurrency uses
// the default.
func NewBatchExecutor(doer Doer, concurrency int) *BatchExecutor {
	if concurrency <= 0 {
		concurrency = constants.DefaultBatchConcurrency
	}

	return &BatchExecutor{
		doer:        doer,
		concurrency: concurrency,
	}
}

// SetTimeout bounds each operation. Zero leaves the client timeout alone.
func (b *BatchExecutor) SetTimeout(timeout time.Duration) {
	b.timeout = timeout
}

// Execute runs every operation and returns the results in input order. A
// failed operation does not cancel the others; the returned error is only
// set when ctx is done before every operation started.
func (b *BatchExecutor) Execute(ctx context.Context, operations []BatchOperation) ([]BatchResult, error) {
	results := make([]BatchResult, len(operations))

	var group errgroup.Group

	group.SetLimit(b.concurrency)

	for index, operation := range operations {
		if ctx.Err() != nil {
			for i := index; i < len(operations); i++ {
				results[i] = BatchResult{ID: operations[i].ID, Error: ctx.Err()}
			}

			break
		}

		group.Go(func() error {
			result := b.run(ctx, operation)
			results[index] = *result

			if operation.Callback != nil {
				operation.Callback(result)
			}

			return nil
		})
	}

	_ = group.Wait()

	return results, ctx.Err()
}

// ExecuteAll runs the batch and fails with ErrBatchFailed listing the failed
// operation identifiers.
func (b *BatchExecutor) ExecuteAll(ctx context.Context, operations []BatchOperation) ([]BatchResult, error) {
	results, err := b.Execute(ctx, operations)
	if err != nil {
		return results, err
	}

	var (
		failed []string
		errs   []error
	)

	for _, result := range results {
		if !result.Success {
			failed = append(failed, result.ID)
			errs = append(errs, result.Error)
		}
	}

	if len(failed) > 0 {
		return results, fmt.Errorf("%w: %d of %d operations failed (%s): %w",
			ErrBatchFailed, len(failed), len(results), strings.Join(failed, ", "), errors.Join(errs...))
	}

	return results, nil
}

func (b *BatchExecutor) run(ctx context.Context, operation BatchOperation) *BatchResult {
	result := &BatchResult{ID: operation.ID}

	if b.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := b.doer.Do(ctx, operation.Request)
	result.Duration = time.Since(start)
	result.Response = resp
	result.Error = err
	result.Success = err == nil

	return result
}

// BatchBuilder assembles batch operations.
type BatchBuilder struct {
	operations []BatchOperation
}

// NewBatchBuilder creates a new batch builder.
func NewBatchBuilder() *BatchBuilder {
	return &BatchBuilder{
		operations: make([]BatchOperation, 0),
	}
}

// AddGet adds a GET of path.
func (b *BatchBuilder) AddGet(id, path string) *BatchBuilder {
	return b.add(id, &Request{Method: http.MethodGet, Path: path})
}

// AddPost adds a POST of body to path.
func (b *BatchBuilder) AddPost(id, path string, body interface{}) *BatchBuilder {
	return b.add(id, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// AddPut adds a PUT of body to path.
func (b *BatchBuilder) AddPut(id, path string, body interface{}) *BatchBuilder {
	return b.add(id, &Request{Method: http.MethodPut, Path: path, Body: body})
}

// AddPatch adds a PATCH of body to path.
func (b *BatchBuilder) AddPatch(id, path string, body interface{}) *BatchBuilder {
	return b.add(id, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

// AddDelete adds a DELETE of path.
func (b *BatchBuilder) AddDelete(id, path string) *BatchBuilder {
	return b.add(id, &Request{Method: http.MethodDelete, Path: path})
}

// AddOperation adds a custom operation.
func (b *BatchBuilder) AddOperation(operation BatchOperation) *BatchBuilder {
	b.operations = append(b.operations, operation)

	return b
}

// Build returns the built operations.
func (b *BatchBuilder) Build() []BatchOperation {
	return b.operations
}

func (b *BatchBuilder) add(id string, req *Request) *BatchBuilder {
	return b.AddOperation(BatchOperation{ID: id, Request: req})
}
