package paths

import "github.com/ome/openmicroscopy-sub004/pkg/errors"

// Path-specific error codes
var (
	ErrPathResolveFailed = errors.MustNewCode("paths.resolve_failed")
	ErrPathStatFailed    = errors.MustNewCode("paths.stat_failed")
	ErrPathEmpty         = errors.MustNewCode("paths.empty")
)
