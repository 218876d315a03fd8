package xid

import (
	"github.com/google/uuid"
)

// New returns a prefixed random id such as "usr-6f1c...".
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
