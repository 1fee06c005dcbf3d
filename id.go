package bizflow

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// NewInstanceID returns a new unique id for a process instance.
func NewInstanceID() string {
	id, err := typeid.WithPrefix("proc")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewDefinitionID returns a new unique id for a process definition.
func NewDefinitionID() string {
	id, err := typeid.WithPrefix("procdef")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewBusinessKey returns the engine-issued default business key for an
// instance started at the given time. Caller-supplied keys take precedence;
// this default is unique with overwhelming probability but is not required
// to be unique within a tenant.
func NewBusinessKey(now time.Time) string {
	return fmt.Sprintf("PROC_%d", now.UnixMilli())
}
