// Package id hands out the identifiers the bridge writes into Postgres.
// Thread state rows are inserted concurrently by every worker instance,
// so ids come from a per-instance snowflake node instead of a database
// sequence: time-ordered, unique across instances, no extra round trip.
package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init sets up the generator for this worker instance. nodeID comes
// from WORKER_NODE_ID and must differ between instances that share a
// database.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New returns the next id. Init must have succeeded first.
func New() int64 {
	return node.Generate().Int64()
}
