package executor

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// BatchError wraps the first fatal per-slot cause that terminated a batch
// (§7, §4.D step 6), held in a go-multierror aggregate the same way
// pool.ExhaustedError aggregates multi-host failures. Only that first cause
// is recorded: slots that fail after the joined future has settled are
// dropped.
type BatchError struct {
	Slot  uint32
	First error
	errs  *multierror.Error
}

func newBatchError(slot uint32, first error) *BatchError {
	be := &BatchError{Slot: slot, First: first, errs: &multierror.Error{}}
	be.errs = multierror.Append(be.errs, first)
	return be
}

func (e *BatchError) addCause(err error) {
	e.errs = multierror.Append(e.errs, err)
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch failed at slot %d: %s", e.Slot, e.errs.Error())
}

func (e *BatchError) Unwrap() error {
	return e.First
}
