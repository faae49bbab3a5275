package monitor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridafkih/agent-session-gateway/internal/acp"
	"github.com/ridafkih/agent-session-gateway/internal/store"
)

func taskToolCallEvent(name string, input any) acp.DomainEvent {
	raw, _ := json.Marshal(input)
	return acp.DomainEvent{
		Type: acp.EventItemStarted,
		Data: acp.Data{
			ItemID: "t1", Kind: acp.KindToolCall,
			Content: []acp.ContentPart{{Type: acp.PartToolCall, ID: "t1", Name: name, Input: raw}},
		},
	}
}

func TestTaskMutationFromTodoWriteReplacesAll(t *testing.T) {
	de := taskToolCallEvent(toolNameTodoWrite, map[string]any{
		"todos": []map[string]string{
			{"id": "a", "content": "write docs", "status": store.TaskStatusPending, "priority": "high"},
			{"id": "b", "content": "ship", "status": store.TaskStatusInProgress},
		},
	})

	mut := taskMutationFrom("sess-1", de)
	require.NotNil(t, mut)
	require.True(t, mut.replaceAll)
	require.Len(t, mut.tasks, 2)
	require.Equal(t, "a", mut.tasks[0].ID)
	require.Equal(t, 0, mut.tasks[0].Position)
	require.Equal(t, "high", *mut.tasks[0].Priority)
	require.Equal(t, 1, mut.tasks[1].Position)
	require.Equal(t, toolNameTodoWrite, mut.tasks[1].SourceToolName)
}

func TestTaskMutationFromTaskUpdateUpserts(t *testing.T) {
	de := taskToolCallEvent(toolNameTaskUpdate, map[string]any{
		"id": "a", "content": "write docs", "status": store.TaskStatusCompleted, "position": 4,
	})

	mut := taskMutationFrom("sess-1", de)
	require.NotNil(t, mut)
	require.False(t, mut.replaceAll)
	require.Len(t, mut.tasks, 1)
	require.Equal(t, store.TaskStatusCompleted, mut.tasks[0].Status)
	require.Equal(t, 4, mut.tasks[0].Position)
	require.Equal(t, toolNameTaskUpdate, mut.tasks[0].SourceToolName)
}

func TestTaskMutationFromIgnoresOtherTools(t *testing.T) {
	de := taskToolCallEvent("Read", map[string]string{"path": "main.go"})
	require.Nil(t, taskMutationFrom("sess-1", de))
}

func TestTaskMutationFromIgnoresNonToolEvents(t *testing.T) {
	require.Nil(t, taskMutationFrom("sess-1", acp.DomainEvent{Type: acp.EventItemDelta}))
}
