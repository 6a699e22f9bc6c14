package queue

import (
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestToLease_ExtractsStringPayload(t *testing.T) {
	q := &redisStreamQueue{stream: "jobs", group: "jobs-group"}
	msg := goredis.XMessage{ID: "123-0", Values: map[string]any{payloadField: `{"job_id":"abc"}`}}

	lease := q.toLease(msg)

	require.Equal(t, "123-0", lease.MessageID)
	require.Equal(t, "jobs", lease.StreamKey)
	require.Equal(t, "jobs-group", lease.Group)
	require.JSONEq(t, `{"job_id":"abc"}`, string(lease.Payload))
}

func TestIsBusyGroupErr(t *testing.T) {
	require.True(t, isBusyGroupErr(goredis_busyGroupErr{}))
	require.False(t, isBusyGroupErr(nil))
}

type goredis_busyGroupErr struct{}

func (goredis_busyGroupErr) Error() string { return "BUSYGROUP Consumer Group name already exists" }
