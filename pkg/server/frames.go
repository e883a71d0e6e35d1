package server

import (
	"github.com/codelab/coderunner/pkg/orchestrator"
)

// Wire frames of the streaming channel. One JSON object per websocket
// message, discriminated by "type".

type IncomingFrame struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	RequestID string              `json:"requestId,omitempty"`
	Language  string              `json:"language,omitempty"`
	EntryPath string              `json:"entryPath,omitempty"`
	Files     []orchestrator.File `json:"files,omitempty"`
	Data      string              `json:"data,omitempty"`
}

type SessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type OutputFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Stream    string `json:"stream"`
	Data      string `json:"data"`
}

type ExitFrame struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	RequestID       string `json:"requestId"`
	Code            int    `json:"code"`
	Reason          string `json:"reason,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

type ErrorFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// frameFor converts an orchestrator event to its wire shape.
func frameFor(ev orchestrator.Event) any {
	switch ev.Kind {
	case orchestrator.EventOutput:
		return OutputFrame{
			Type:      "output",
			SessionID: ev.SessionID,
			RequestID: ev.RequestID,
			Stream:    string(ev.Stream),
			Data:      ev.Data,
		}
	case orchestrator.EventExit:
		return ExitFrame{
			Type:            "exit",
			SessionID:       ev.SessionID,
			RequestID:       ev.RequestID,
			Code:            ev.Code,
			Reason:          ev.Reason,
			ExecutionTimeMs: ev.ExecutionTimeMs,
		}
	default:
		return ErrorFrame{
			Type:      "error",
			SessionID: ev.SessionID,
			RequestID: ev.RequestID,
			Code:      string(ev.ErrCode),
			Message:   ev.Message,
		}
	}
}
