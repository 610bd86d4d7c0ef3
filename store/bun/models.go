package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/omnigate/steward"
	"github.com/omnigate/steward/conversation"
	"github.com/omnigate/steward/id"
	"github.com/omnigate/steward/node"
	"github.com/omnigate/steward/task"
)

// ── Node model ────────────────────────────────────────────────────

type nodeModel struct {
	bun.BaseModel `bun:"table:steward_nodes"`

	URL             string    `bun:"url,pk"`
	Status          string    `bun:"status,notnull,default:'HEALTHY'"`
	LastHeartbeat   time.Time `bun:"last_heartbeat,notnull,default:current_timestamp"`
	DispatchedCount int       `bun:"dispatched_count,notnull,default:0"`
	CurrentCount    int       `bun:"current_count,notnull,default:0"`
	CreatedAt       time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toNodeModel(n *node.Node) *nodeModel {
	return &nodeModel{
		URL:             n.URL,
		Status:          string(n.Status),
		LastHeartbeat:   n.LastHeartbeat,
		DispatchedCount: n.DispatchedCount,
		CurrentCount:    n.CurrentCount,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
}

func fromNodeModel(m *nodeModel) *node.Node {
	return &node.Node{
		Entity: steward.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		URL:             m.URL,
		Status:          node.Status(m.Status),
		LastHeartbeat:   m.LastHeartbeat,
		DispatchedCount: m.DispatchedCount,
		CurrentCount:    m.CurrentCount,
	}
}

// ── Task model ────────────────────────────────────────────────────

type taskModel struct {
	bun.BaseModel `bun:"table:steward_tasks"`

	ID             string    `bun:"id,pk"`
	ConversationID string    `bun:"conversation_id"`
	Status         string    `bun:"status,notnull,default:'PENDING'"`
	Prompt         string    `bun:"prompt"`
	Model          string    `bun:"model"`
	ResultText     string    `bun:"result_text"`
	ErrorText      string    `bun:"error_text"`
	CostTime       float64   `bun:"cost_time"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func toTaskModel(t *task.Task) *taskModel {
	return &taskModel{
		ID:             t.ID.String(),
		ConversationID: t.ConversationID.String(),
		Status:         string(t.Status),
		Prompt:         t.Prompt,
		Model:          t.Model,
		ResultText:     t.ResultText,
		ErrorText:      t.ErrorText,
		CostTime:       t.CostTime,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func fromTaskModel(m *taskModel) (*task.Task, error) {
	taskID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("steward/bun: parse task id %q: %w", m.ID, err)
	}

	t := &task.Task{
		Entity: steward.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         taskID,
		Status:     task.Status(m.Status),
		Prompt:     m.Prompt,
		Model:      m.Model,
		ResultText: m.ResultText,
		ErrorText:  m.ErrorText,
		CostTime:   m.CostTime,
	}
	if m.ConversationID != "" {
		convID, cErr := id.ParseConversationID(m.ConversationID)
		if cErr == nil {
			t.ConversationID = convID
		}
	}
	return t, nil
}

// ── Conversation model ────────────────────────────────────────────

type conversationModel struct {
	bun.BaseModel `bun:"table:steward_conversations"`

	ID           string          `bun:"id,pk"`
	Title        string          `bun:"title"`
	SessionState json.RawMessage `bun:"session_state,type:jsonb"`
	CreatedAt    time.Time       `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
}

func toConversationModel(c *conversation.Conversation) *conversationModel {
	return &conversationModel{
		ID:           c.ID.String(),
		Title:        c.Title,
		SessionState: c.SessionState,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func fromConversationModel(m *conversationModel) (*conversation.Conversation, error) {
	convID, err := id.ParseConversationID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("steward/bun: parse conversation id %q: %w", m.ID, err)
	}
	return &conversation.Conversation{
		Entity: steward.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           convID,
		Title:        m.Title,
		SessionState: m.SessionState,
	}, nil
}

// ── Route model ───────────────────────────────────────────────────

type routeModel struct {
	bun.BaseModel `bun:"table:steward_routes"`

	ConversationID string    `bun:"conversation_id,pk"`
	SlotID         int       `bun:"slot_id,pk"`
	NodeURL        string    `bun:"node_url,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
