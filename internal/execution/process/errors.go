package process

import "errors"

// ErrChildNotFound names the case where no handle is registered for an
// execution id. Get reports that case as (nil, false) rather than returning
// this error, and best-effort cleanup (Remove, KillProcessGroup) treats a
// missing child as a no-op.
var ErrChildNotFound = errors.New("execution process: child not found")
