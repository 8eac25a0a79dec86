package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/intelliclaw/gateway/pkg/knowledge"
	"github.com/intelliclaw/gateway/pkg/memory"
)

// funcTool adapts a plain function into a Tool. The arg schema is
// reflected from a typed struct at construction.
type funcTool struct {
	info ToolInfo
	fn   func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunc builds a native tool whose arg schema is reflected from T's
// json and jsonschema struct tags.
func NewFunc[T any](name, description string, fn func(context.Context, map[string]any) (any, error)) (Tool, error) {
	schema, required, err := reflectSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return &funcTool{
		info: ToolInfo{
			Name:        name,
			Description: description,
			Source:      "native",
			Schema:      schema,
			Required:    required,
		},
		fn: fn,
	}, nil
}

func (t *funcTool) Describe() ToolInfo { return t.info }

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

func reflectSchema[T any]() (map[string]any, []string, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, err
	}
	return m, schemaRequired(m), nil
}

// Arg helpers shared by native tools. JSON numbers arrive as float64.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

type timeNowArgs struct {
	Format string `json:"format,omitempty" jsonschema:"description=Go time layout; rfc3339 and unix are shorthands,default=rfc3339"`
}

type memoryStoreArgs struct {
	Agent      string `json:"agent" jsonschema:"required,description=Agent namespace"`
	Key        string `json:"key" jsonschema:"required"`
	Value      string `json:"value" jsonschema:"required"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" jsonschema:"description=Expiry in seconds; 0 keeps forever,minimum=0"`
}

type memoryRecallArgs struct {
	Agent string `json:"agent" jsonschema:"required,description=Agent namespace"`
	Key   string `json:"key,omitempty" jsonschema:"description=Single key to fetch; empty returns everything"`
}

type knowledgeSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Natural-language search query"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"description=How many snippets to return,default=5,minimum=1,maximum=20"`
}

// Builtins assembles the gateway-native tools. Memory and knowledge
// tools appear only when their backing stores are configured.
func Builtins(mem *memory.Store, kb *knowledge.Pipeline) ([]Tool, error) {
	var out []Tool

	echo, err := NewFunc[echoArgs]("gateway.echo", "Echo text back; useful for connectivity checks.",
		func(_ context.Context, args map[string]any) (any, error) {
			text := stringArg(args, "text")
			if text == "" {
				return nil, fmt.Errorf("text is required")
			}
			return text, nil
		})
	if err != nil {
		return nil, err
	}
	out = append(out, echo)

	now, err := NewFunc[timeNowArgs]("time.now", "Current gateway time.",
		func(_ context.Context, args map[string]any) (any, error) {
			switch format := stringArg(args, "format"); strings.ToLower(format) {
			case "", "rfc3339":
				return time.Now().Format(time.RFC3339), nil
			case "unix":
				return time.Now().Unix(), nil
			default:
				return time.Now().Format(format), nil
			}
		})
	if err != nil {
		return nil, err
	}
	out = append(out, now)

	if mem != nil {
		store, err := NewFunc[memoryStoreArgs]("memory.store", "Persist a value in the agent's long-term memory.",
			func(_ context.Context, args map[string]any) (any, error) {
				agent, key := stringArg(args, "agent"), stringArg(args, "key")
				if agent == "" || key == "" {
					return nil, fmt.Errorf("agent and key are required")
				}
				ttl := int64(intArg(args, "ttl_seconds", 0))
				if err := mem.Set(agent, key, args["value"], ttl); err != nil {
					return nil, err
				}
				return map[string]any{"stored": key}, nil
			})
		if err != nil {
			return nil, err
		}

		recall, err := NewFunc[memoryRecallArgs]("memory.recall", "Read back values from the agent's long-term memory.",
			func(_ context.Context, args map[string]any) (any, error) {
				agent := stringArg(args, "agent")
				if agent == "" {
					return nil, fmt.Errorf("agent is required")
				}
				if key := stringArg(args, "key"); key != "" {
					value, ok, err := mem.Get(agent, key)
					if err != nil {
						return nil, err
					}
					if !ok {
						return map[string]any{"found": false}, nil
					}
					return map[string]any{"found": true, "value": value}, nil
				}
				return mem.All(agent)
			})
		if err != nil {
			return nil, err
		}
		out = append(out, store, recall)
	}

	if kb != nil {
		search, err := NewFunc[knowledgeSearchArgs]("knowledge.search", "Search the ingested knowledge base.",
			func(ctx context.Context, args map[string]any) (any, error) {
				query := stringArg(args, "query")
				if query == "" {
					return nil, fmt.Errorf("query is required")
				}
				hits, err := kb.Search(ctx, query, intArg(args, "top_k", 5))
				if err != nil {
					return nil, err
				}
				results := make([]map[string]any, 0, len(hits))
				for _, hit := range hits {
					results = append(results, map[string]any{
						"content": hit.Content,
						"source":  hit.Metadata["path"],
						"score":   hit.Score,
					})
				}
				return results, nil
			})
		if err != nil {
			return nil, err
		}
		out = append(out, search)
	}

	return out, nil
}
