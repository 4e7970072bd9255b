package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the event stream.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject division events are relayed on.
// Format: lems.event.{shard_id}.division.{division_id}
// All events of one division land on one subject, so consumers see them
// in division order.
func EventSubject(divisionID string) string {
	shardID := GetShardID(divisionID)
	return fmt.Sprintf("lems.event.%d.division.%s", shardID, divisionID)
}
