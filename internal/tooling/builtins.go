package tooling

import (
	"context"
	"fmt"
	"time"

	"github.com/rfarias/mentoria/internal/names"
	"github.com/rfarias/mentoria/internal/store"
)

const (
	dateLayout = "2006-01-02"

	// maxQueryLimit caps history queries regardless of what the
	// assistant asks for.
	maxQueryLimit = 50
)

// QueryWhatsAppTool searches the ingested WhatsApp history. Results
// come back newest-first.
func QueryWhatsAppTool(st *store.SQLiteStore) *Tool {
	return &Tool{
		Name:        "query_whatsapp_messages",
		Description: "Busca mensagens do histórico de WhatsApp. Use para responder perguntas sobre conversas anteriores dos clientes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sender_name": map[string]any{
					"type":        "string",
					"description": "Filtra por nome do remetente (busca parcial, sem diferenciar maiúsculas)",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Filtra por trecho do conteúdo da mensagem",
				},
				"start_date": map[string]any{
					"type":        "string",
					"description": "Data inicial no formato YYYY-MM-DD",
				},
				"end_date": map[string]any{
					"type":        "string",
					"description": "Data final no formato YYYY-MM-DD",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Número máximo de mensagens (padrão 10)",
				},
			},
		},
		Handler: func(_ context.Context, _ string, args map[string]any) (any, error) {
			filter, err := whatsAppFilterFromArgs(args)
			if err != nil {
				return nil, err
			}

			msgs, err := st.QueryWhatsAppMessages(filter)
			if err != nil {
				return nil, fmt.Errorf("query messages: %w", err)
			}

			data := make([]map[string]any, 0, len(msgs))
			for _, m := range msgs {
				data = append(data, map[string]any{
					"sender_name": m.SenderName,
					"content":     m.Content,
					"timestamp":   m.Timestamp.Format(time.RFC3339),
				})
			}

			return map[string]any{
				"status":       "success",
				"count":        len(data),
				"data":         data,
				"query_params": args,
			}, nil
		},
	}
}

func whatsAppFilterFromArgs(args map[string]any) (store.WhatsAppFilter, error) {
	var f store.WhatsAppFilter
	f.SenderName, _ = args["sender_name"].(string)
	f.Content, _ = args["content"].(string)
	if l, ok := args["limit"].(float64); ok {
		f.Limit = int(l)
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}

	if s, ok := args["start_date"].(string); ok && s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return f, fmt.Errorf("invalid start_date %q: use YYYY-MM-DD", s)
		}
		f.Start = t
	}
	if s, ok := args["end_date"].(string); ok && s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return f, fmt.Errorf("invalid end_date %q: use YYYY-MM-DD", s)
		}
		// Inclusive through the end of the day.
		f.End = t.Add(24*time.Hour - time.Second)
	}
	return f, nil
}

// LogInteractionTool writes one audit turn with the fields the
// assistant reports. Duplicate submissions on retry are acceptable;
// the log is append-only and not deduplicated.
func LogInteractionTool(st *store.SQLiteStore) *Tool {
	return &Tool{
		Name:        "log_interaction",
		Description: "Registra uma interação relevante da conversa (proposta enviada, follow-up agendado, objeção, fechamento).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"role": map[string]any{
					"type":        "string",
					"description": "Papel de quem fala no registro (user ou assistant)",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Resumo do que aconteceu",
				},
				"user_name": map[string]any{
					"type":        "string",
					"description": "Nome do cliente envolvido",
				},
				"timestamp": map[string]any{
					"type":        "string",
					"description": "Quando aconteceu, em RFC 3339 (padrão: agora)",
				},
			},
			"required": []string{"role", "content", "user_name"},
		},
		Handler: func(_ context.Context, conversationID string, args map[string]any) (any, error) {
			role, _ := args["role"].(string)
			content, _ := args["content"].(string)
			userName, _ := args["user_name"].(string)
			if role == "" || content == "" || userName == "" {
				return nil, fmt.Errorf("role, content, and user_name are required")
			}

			var at time.Time
			if s, ok := args["timestamp"].(string); ok && s != "" {
				t, err := time.Parse(time.RFC3339, s)
				if err != nil {
					return nil, fmt.Errorf("invalid timestamp %q: use RFC 3339", s)
				}
				at = t
			}

			err := st.AppendTurn(&store.Turn{
				ConversationID: conversationID,
				Role:           role,
				Content:        content,
				UserName:       userName,
				CreatedAt:      at,
			})
			if err != nil {
				return nil, fmt.Errorf("log interaction: %w", err)
			}

			return map[string]any{
				"status":    "success",
				"role":      role,
				"user_name": userName,
			}, nil
		},
	}
}

// UpdateUserNameTool lets the assistant persist the user's name once
// the user introduces themself mid-conversation.
func UpdateUserNameTool(st *store.SQLiteStore) *Tool {
	return &Tool{
		Name:        "update_user_name",
		Description: "Salva o nome do usuário quando ele se apresentar durante a conversa.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Nome informado pelo usuário",
				},
			},
			"required": []string{"name"},
		},
		Handler: func(_ context.Context, conversationID string, args map[string]any) (any, error) {
			raw, _ := args["name"].(string)
			name := names.Normalize(raw)
			if name == "" {
				return nil, fmt.Errorf("invalid name: %q", raw)
			}

			if err := st.SetUserName(conversationID, name); err != nil {
				return nil, fmt.Errorf("save name: %w", err)
			}
			if err := st.UpdateTurnUserName(conversationID, name); err != nil {
				return nil, fmt.Errorf("backfill name: %w", err)
			}

			return map[string]any{
				"status":    "success",
				"user_name": name,
			}, nil
		},
	}
}
