package sharding

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// ShardCount is the fixed number of partitions for the system.
const ShardCount = 1024

// EventPrefix roots every domain-event subject.
const EventPrefix = "app.event"

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// EventSubject returns the NATS subject a domain event is published on.
// Format: app.event.{channel}.{shard_id} where channel is "<kind>.updated"
// and the shard is derived from the owning user.
func EventSubject(channel, ownerUserID string) string {
	return fmt.Sprintf("%s.%s.%d", EventPrefix, channel, GetShardID(ownerUserID))
}

// EventWildcard matches every shard of channel.
func EventWildcard(channel string) string {
	return EventPrefix + "." + channel + ".*"
}

// ShardFromSubject extracts the trailing shard id of an event subject.
func ShardFromSubject(subject string) (int, bool) {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 {
		return 0, false
	}
	shard, err := strconv.Atoi(subject[idx+1:])
	if err != nil || shard < 0 || shard >= ShardCount {
		return 0, false
	}
	return shard, true
}
