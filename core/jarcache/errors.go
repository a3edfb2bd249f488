package jarcache

import (
	"errors"
	"fmt"

	"github.com/pyropy/remoting/lib/checksum"
)

var (
	ErrCacheDisabled       = errors.New("jar cache is disabled")
	ErrTransferFailed      = errors.New("jar transfer failed")
	ErrFingerprintMismatch = errors.New("fetched content does not match fingerprint")
	ErrNoFetcher           = errors.New("no fetcher to retrieve jar from")
)

// TransferError reports a failed attempt to bring an archive into the
// store. Nothing is cached for Fingerprint; the next Resolve retries.
type TransferError struct {
	Fingerprint checksum.Fingerprint
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of jar %s failed: %v", e.Fingerprint, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}
