package txn

import "fmt"

// FatalError is any non-OK, non-UNKNOWN_TABLET server status. It is
// unrecoverable: the task clears both pipelines, records Status, and
// jumps straight to DONE.
type FatalError struct {
	Status StatusCode
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("txn: fatal server status %s", e.Status)
}
