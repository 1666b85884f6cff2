package api

import (
	"github.com/matheus3301/atlas/internal/rpc"
	"github.com/matheus3301/atlas/internal/store"
	intsync "github.com/matheus3301/atlas/internal/sync"
)

func conversationToWire(c *store.Conversation) rpc.Conversation {
	return rpc.Conversation{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		DeletedAt: c.DeletedAt,
	}
}

func messageToWire(m *store.Message) rpc.Message {
	return rpc.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

func pendingToWire(e *store.OutboxEntry) rpc.PendingOp {
	return rpc.PendingOp{
		OpID:           e.OpID,
		Kind:           string(e.Kind),
		ConversationID: e.ConversationID,
		Status:         e.Status,
		Attempts:       e.Attempts,
		Error:          e.ErrorMessage,
		CreatedAt:      e.CreatedAt,
	}
}

func resultToWire(res intsync.Result) *rpc.SyncResponse {
	return &rpc.SyncResponse{
		Mode:          string(res.Mode),
		Conversations: res.Conversations,
		Messages:      res.Messages,
		Confirmed:     res.Confirmed,
		Pages:         res.Pages,
		Pruned:        res.Pruned,
		Watermark:     res.Watermark,
		Advanced:      res.Advanced,
	}
}
