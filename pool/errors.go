package pool

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ExhaustedError reports that acquisition walked every candidate entry and
// found none usable, aggregating the specific reason (frozen vs saturated)
// per-address via go-multierror (§4.B acquisition step 4, §7 Error
// Handling).
type ExhaustedError struct {
	Candidates int
	errs       *multierror.Error
}

func newExhaustedError(candidates int) *ExhaustedError {
	return &ExhaustedError{Candidates: candidates, errs: &multierror.Error{}}
}

func (e *ExhaustedError) add(addr string, reason string) {
	e.errs = multierror.Append(e.errs, fmt.Errorf("%s: %s", addr, reason))
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("pool exhausted after %d candidate(s): %s", e.Candidates, e.errs.Error())
}

func (e *ExhaustedError) Unwrap() error {
	return e.errs.ErrorOrNil()
}
