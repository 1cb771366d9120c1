package queue

import (
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_QueueKeysShareHashTag(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	s, err := NewRedisStore(client, "ingest")
	require.NoError(t, err)

	keys := []string{
		s.key("sheet_queue", "waiting"),
		s.key("sheet_queue", "active"),
		s.key("sheet_queue", "dead"),
		s.key("sheet_queue", "seq"),
		s.jobPrefix("sheet_queue") + "42",
	}
	for _, k := range keys {
		open, end := strings.Index(k, "{"), strings.Index(k, "}")
		require.True(t, open >= 0 && end > open, k)
		assert.Equal(t, "sheet_queue", k[open+1:end], k)
	}
}
