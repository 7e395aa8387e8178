package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers check for it with errors.Is to
// distinguish missing records from other database errors.
var ErrNotFound = errors.New("record not found")
