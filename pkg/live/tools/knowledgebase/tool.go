package knowledgebase

import (
	"context"
	"encoding/json"

	"github.com/vango-go/vai-live/pkg/live/toolrunner"
	"google.golang.org/genai"
)

const ToolName = "query_knowledge_base"

// SystemInstruction tells the model when to use the tool.
const SystemInstruction = `You are a helpful assistant with access to a knowledge base. When users ask questions, use the query_knowledge_base function to search for relevant information. For text queries use "text" type, for image related queries use "multimodal" type, and for comparing things use "comparative" type.`

func Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        ToolName,
		Description: "Query the knowledge base for information.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query_type": {
					Type:        genai.TypeString,
					Description: "Type of query to perform (text, comparative, or multimodal)",
					Enum:        []string{QueryText, QueryComparative, QueryMultimodal},
				},
				"query": {
					Type:        genai.TypeString,
					Description: "The query text",
				},
			},
			Required: []string{"query_type", "query"},
		},
	}
}

// Handler answers with {success: true, data} or {success: false, error}.
// Query failures are reported to the model rather than returned.
func (c *Client) Handler() toolrunner.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			QueryType string `json:"query_type"`
			Query     string `json:"query"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return map[string]any{"success": false, "error": err.Error()}, nil
		}
		result, err := c.Query(ctx, in.QueryType, in.Query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return map[string]any{"success": false, "error": err.Error()}, nil
		}
		return map[string]any{"success": true, "data": result}, nil
	}
}

func (c *Client) Tool() toolrunner.Tool {
	return toolrunner.Tool{Declaration: Declaration(), Handler: c.Handler()}
}
