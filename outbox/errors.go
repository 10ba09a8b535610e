package outbox

import "fmt"

// PersistenceError reports a failed database write. Both the business row
// and the outbox row roll back when it is returned from the writer.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// SerializationError reports an event that cannot be encoded or decoded.
// It is fatal for the affected message and is never retried as such.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failure: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
