package jobs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avym/foliostate/internal/usagelog"
)

func TestNewLogUsageTask(t *testing.T) {
	e := usagelog.Event{
		Action:     usagelog.ActionConversion,
		UserID:     "u1",
		Status:     usagelog.StatusSuccess,
		FileCount:  2,
		EventCount: 5,
	}

	task, err := NewLogUsageTask(e)
	require.NoError(t, err)
	require.Equal(t, TaskLogUsage, task.Type())

	var p LogUsagePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	require.Equal(t, e, p.Event)
}
