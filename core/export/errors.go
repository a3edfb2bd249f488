package export

import (
	"errors"
	"fmt"

	"github.com/pyropy/remoting/core/model"
)

var (
	ErrHandleNotFound       = errors.New("handle not found")
	ErrHandleSpaceExhausted = errors.New("export handle space exhausted")
)

// HandleNotFoundError reports an operation on a handle that is not in the
// table. ExportedAt and ReleasedAt are filled in when the handle was known
// and released earlier; RequestedAt is the cause of the failed operation.
type HandleNotFoundError struct {
	Handle      model.Handle
	ExportedAt  *model.Trace
	ReleasedAt  *model.Trace
	RequestedAt *model.Trace
}

func (e *HandleNotFoundError) Error() string {
	if e.ReleasedAt == nil {
		if e.RequestedAt == nil {
			return fmt.Sprintf("handle %s not found", e.Handle)
		}
		return fmt.Sprintf("handle %s not found: requested at %s", e.Handle, e.RequestedAt.Summary())
	}

	return fmt.Sprintf("handle %s not found: exported at %s, released at %s, requested at %s",
		e.Handle, e.ExportedAt.Summary(), e.ReleasedAt.Summary(), e.RequestedAt.Summary())
}

func (e *HandleNotFoundError) Is(target error) bool {
	return target == ErrHandleNotFound
}

// AsHandleNotFound unwraps err into a *HandleNotFoundError.
func AsHandleNotFound(err error) (*HandleNotFoundError, bool) {
	var nf *HandleNotFoundError
	if errors.As(err, &nf) {
		return nf, true
	}

	return nil, false
}
