// Package persona defines the assistant personas the service exposes
// and builds one session manager per persona on demand.
package persona

import (
	"github.com/rfarias/mentoria/internal/store"
	"github.com/rfarias/mentoria/internal/tooling"
)

// Persona describes one conversational assistant: who it is, how it
// behaves, and which tools it may call. The remote assistant is
// pre-configured with the matching instructions; Instructions here
// document the contract and seed the training material.
type Persona struct {
	Name        string
	Title       string
	Description string

	Instructions string

	// BuildTools returns the persona's tools bound to the store. Nil
	// for personas that never request actions.
	BuildTools func(st *store.SQLiteStore) []*tooling.Tool

	// PollCeiling bounds the run poll loop. Tool-bearing personas get
	// a higher ceiling because each required action consumes attempts
	// without advancing the run.
	PollCeiling int
}

// All returns the service's personas in display order.
func All() []Persona {
	return []Persona{
		{
			Name:        "vendas",
			Title:       "Mentor de Vendas",
			Description: "Mentor experiente que ajuda a estruturar propostas, contornar objeções e fechar negócios.",
			Instructions: `Você é um mentor de vendas experiente. Ajude o usuário a estruturar propostas,
contornar objeções e conduzir negociações. Quando o usuário mencionar conversas
anteriores com clientes, consulte o histórico de WhatsApp com a ferramenta
query_whatsapp_messages antes de responder. Registre interações relevantes com
log_interaction. Se o usuário se apresentar pelo nome, salve-o com
update_user_name e passe a usá-lo. Responda sempre em português, de forma
direta e prática.`,
			BuildTools: func(st *store.SQLiteStore) []*tooling.Tool {
				return []*tooling.Tool{
					tooling.QueryWhatsAppTool(st),
					tooling.LogInteractionTool(st),
					tooling.UpdateUserNameTool(st),
				}
			},
			PollCeiling: 60,
		},
		{
			Name:        "treinamento",
			Title:       "Simulador de Vendas",
			Description: "Cliente simulado para treinar abordagens de venda em um ambiente seguro.",
			Instructions: `Você é um cliente em potencial, cético porém educado, interessado no produto
mas cheio de objeções realistas sobre preço, prazo e confiança. O usuário é um
vendedor em treinamento: mantenha o papel de cliente o tempo todo, levante uma
objeção por vez e só avance na negociação quando o vendedor responder bem.
Nunca saia do personagem. Responda sempre em português.`,
			PollCeiling: 30,
		},
		{
			Name:        "whatsapp",
			Title:       "Analista de WhatsApp",
			Description: "Analista que responde perguntas sobre o histórico de mensagens ingeridas.",
			Instructions: `Você é um analista de conversas de WhatsApp. Responda perguntas sobre o
histórico de mensagens usando a ferramenta query_whatsapp_messages: quem falou
sobre o quê, quando, com que frequência. Cite remetente e data ao referenciar
mensagens. Se não houver mensagens que respondam à pergunta, diga isso
claramente. Responda sempre em português.`,
			BuildTools: func(st *store.SQLiteStore) []*tooling.Tool {
				return []*tooling.Tool{
					tooling.QueryWhatsAppTool(st),
				}
			},
			PollCeiling: 60,
		},
	}
}

// Lookup returns the persona with the given name.
func Lookup(name string) (Persona, bool) {
	for _, p := range All() {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}
