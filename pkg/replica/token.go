package replica

import (
	"github.com/google/uuid"

	"noderepl/pkg/types"
)

// Token identifies a thread registered with a replica. A token must be used
// by one goroutine at a time.
type Token struct {
	tid     types.ThreadID
	replica uuid.UUID
}

// ThreadID returns the thread id within the replica, starting at 1.
func (t Token) ThreadID() types.ThreadID { return t.tid }

func (t Token) slot() int { return int(t.tid) - 1 }
