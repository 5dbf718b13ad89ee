package timeexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neptune/proto"
)

func job(t proto.TimeExpressionType, expr string, next int64) *proto.Job {
	return &proto.Job{ID: 1, TimeExpressionType: t, TimeExpression: expr, NextTriggerTime: next}
}

func at(s string) int64 {
	t, err := time.ParseInLocation("2006-01-02 15:04:05.000", s, time.Local)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func TestOnce(t *testing.T) {
	j := job(proto.Once, "5000", 0)

	next, ok, err := Next(j, 4000, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5000), next)

	next, ok, err = Next(j, 5000, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5000), next)

	_, ok, err = Next(j, 5001, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	j = job(proto.Once, "2030-01-02 03:04:05", 0)
	next, ok, err = Next(j, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, at("2030-01-02 03:04:05.000"), next)
}

func TestFixedRate(t *testing.T) {
	j := job(proto.FixedRate, "5000", 10000)

	next, ok, err := Next(j, 10000, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(15000), next)

	// now past the last trigger wins
	next, _, _ = Next(j, 12000, 0)
	assert.Equal(t, int64(17000), next)

	j = job(proto.FixedRate, "2s", 0)
	next, _, err = Next(j, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), next)
}

func TestFixedDelay(t *testing.T) {
	j := job(proto.FixedDelay, "1000", 0)

	next, ok, err := Next(j, 500, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1500), next)

	next, _, _ = Next(j, 500, 9000)
	assert.Equal(t, int64(10000), next)
}

func TestCron(t *testing.T) {
	j := job(proto.Cron, "0/10 * * * * ?", 0)

	next, ok, err := Next(j, at("2024-05-01 10:00:03.500"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, at("2024-05-01 10:00:10.000"), next)

	// strictly after an instant that matches
	next, _, _ = Next(j, at("2024-05-01 10:00:10.000"), 0)
	assert.Equal(t, at("2024-05-01 10:00:20.000"), next)

	// the stored trigger time is the lower bound when it is ahead of now
	j.NextTriggerTime = at("2024-05-01 10:00:20.000")
	next, _, _ = Next(j, at("2024-05-01 10:00:11.000"), 0)
	assert.Equal(t, at("2024-05-01 10:00:30.000"), next)
}

func TestCronQuartzDayOfWeek(t *testing.T) {
	// quartz 2 is Monday; 2024-05-01 is a Wednesday
	j := job(proto.Cron, "0 0 12 ? * 2", 0)
	next, ok, err := Next(j, at("2024-05-01 00:00:00.000"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, at("2024-05-06 12:00:00.000"), next)

	j = job(proto.Cron, "0 0 12 ? * MON", 0)
	next, _, err = Next(j, at("2024-05-01 00:00:00.000"), 0)
	require.NoError(t, err)
	assert.Equal(t, at("2024-05-06 12:00:00.000"), next)
}

func TestCronMonotone(t *testing.T) {
	j := job(proto.Cron, "*/1 * * * * ?", 0)
	now := at("2024-05-01 10:00:00.250")
	prev := int64(0)
	for i := 0; i < 20; i++ {
		next, ok, err := Next(j, now, 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Greater(t, next, prev)
		prev = next
		j.NextTriggerTime = next
		now = next
	}
}

func TestCronExpiredYear(t *testing.T) {
	j := job(proto.Cron, "0 0 0 1 1 ? 2001", 0)
	_, ok, err := Next(j, at("2024-05-01 00:00:00.000"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkflow(t *testing.T) {
	_, ok, err := Next(job(proto.Workflow, "", 0), 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(proto.Cron, "0 15 10 ? * *"))
	assert.NoError(t, Validate(proto.FixedRate, "1000"))
	assert.NoError(t, Validate(proto.Once, "2030-01-02T03:04:05Z"))
	assert.NoError(t, Validate(proto.Workflow, ""))

	assert.ErrorIs(t, Validate(proto.Cron, "* * *"), ErrInvalidExpression)
	assert.ErrorIs(t, Validate(proto.Cron, "0 0 12 ? * 8"), ErrInvalidExpression)
	assert.ErrorIs(t, Validate(proto.FixedDelay, "0"), ErrInvalidExpression)
	assert.ErrorIs(t, Validate(proto.FixedRate, "soon"), ErrInvalidExpression)
	assert.ErrorIs(t, Validate(proto.Once, "tomorrow"), ErrInvalidExpression)
	assert.ErrorIs(t, Validate(proto.TimeExpressionType(42), "1"), ErrInvalidExpression)
}

func TestShiftDayOfWeek(t *testing.T) {
	cases := map[string]string{
		"*":       "*",
		"1":       "0",
		"2-6":     "1-5",
		"1,7":     "0,6",
		"2/2":     "1/2",
		"6#3":     "5#3",
		"6L":      "5L",
		"MON-FRI": "MON-FRI",
	}
	for in, want := range cases {
		got, err := shiftDayOfWeek(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := shiftDayOfWeek("0")
	assert.Error(t, err)
}
