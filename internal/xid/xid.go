package xid

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
)

// New returns a random identifier of the form "<prefix>-<uuid>".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// SetNode selects the snowflake node used for document numbers. It must be
// called before the first call to Number to take effect.
func SetNode(id int64) error {
	var err error
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(id)
		err = nodeErr
	})
	return err
}

// Number returns a time-ordered document number such as "INV-1789...".
func Number(prefix string) string {
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(1)
	})
	if nodeErr != nil {
		return New(prefix)
	}
	return fmt.Sprintf("%s-%s", prefix, node.Generate().String())
}
