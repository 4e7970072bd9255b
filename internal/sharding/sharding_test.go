package sharding

import (
	"fmt"
	"testing"
)

func TestGetShardID(t *testing.T) {
	tests := []struct {
		entityID string
		want     int
	}{
		{"div-1", 46},
		{"div-2", 404},
		{"match-abc", 11},
	}

	for _, tt := range tests {
		t.Run(tt.entityID, func(t *testing.T) {
			if got := GetShardID(tt.entityID); got != tt.want {
				t.Errorf("GetShardID(%q) = %v, want %v", tt.entityID, got, tt.want)
			}
		})
	}
}

func TestEventSubject(t *testing.T) {
	subject := EventSubject("div-1")
	expected := "lems.event.46.division.div-1"
	if subject != expected {
		t.Errorf("EventSubject = %v, want %v", subject, expected)
	}
}

func TestStableSharding(t *testing.T) {
	id := "test-stable-id"
	shard1 := GetShardID(id)
	shard2 := GetShardID(id)

	if shard1 != shard2 {
		t.Errorf("sharding is not deterministic: %d != %d", shard1, shard2)
	}
}

func TestDistribution(t *testing.T) {
	// Rough check that keys do not all map to shard 0.
	distribution := make(map[int]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		shard := GetShardID(key)
		distribution[shard]++
	}

	if len(distribution) < 100 {
		t.Errorf("sharding distribution is too poor: only %d unique shards for 1000 keys", len(distribution))
	}
}
