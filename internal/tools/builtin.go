package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// RegisterBuiltins adds the lightweight built-in tools to a registry.
// These exercise the contract end-to-end without any OS automation.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(EchoTool())
	r.MustRegister(ClockTool())
	r.MustRegister(HTTPFetchTool(nil))
	r.MustRegister(WordCountTool())
	r.MustRegister(TextTransformTool())
}

// EchoTool returns its input unchanged. Useful for wiring tests and as the
// smoke-test target for regenerated tool pipelines.
func EchoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Returns the provided text unchanged",
		Category:    CategoryGeneral,
		Schema: Schema{
			Required: []string{"text"},
			Properties: map[string]Property{
				"text": {Type: "string", Description: "Text to echo back"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}

// ClockTool reports the current time.
func ClockTool() *Tool {
	return &Tool{
		Name:        "clock",
		Description: "Returns the current date and time in RFC3339 format",
		Category:    CategoryGeneral,
		Schema:      Schema{},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	}
}

// HTTPFetchTool fetches a URL and returns the body as text.
// A nil client uses a default with a 30s timeout.
func HTTPFetchTool(client *http.Client) *Tool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Tool{
		Name:        "http_fetch",
		Description: "Fetches a URL over HTTP GET and returns the response body",
		Category:    CategoryResearch,
		Schema: Schema{
			Required: []string{"url"},
			Properties: map[string]Property{
				"url": {Type: "string", Description: "URL to fetch"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return "", fmt.Errorf("unsupported URL scheme: %s", url)
			}

			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return "", fmt.Errorf("failed to create request: %w", err)
			}

			resp, err := client.Do(req)
			if err != nil {
				return "", fmt.Errorf("fetch failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return "", fmt.Errorf("fetch failed with status %d", resp.StatusCode)
			}

			// Cap body size so a runaway page can't blow memory.
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return "", fmt.Errorf("failed to read body: %w", err)
			}
			return string(body), nil
		},
	}
}

// WordCountTool counts words, lines, and characters in text.
func WordCountTool() *Tool {
	return &Tool{
		Name:        "word_count",
		Description: "Counts words, lines, and characters in the given text",
		Category:    CategoryAnalysis,
		Schema: Schema{
			Required: []string{"text"},
			Properties: map[string]Property{
				"text": {Type: "string", Description: "Text to analyze"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			words := len(strings.Fields(text))
			lines := strings.Count(text, "\n")
			if text != "" {
				lines++
			}
			chars := utf8.RuneCountInString(text)
			return fmt.Sprintf("words=%d lines=%d chars=%d", words, lines, chars), nil
		},
	}
}

// TextTransformTool applies simple text transformations.
func TextTransformTool() *Tool {
	return &Tool{
		Name:        "text_transform",
		Description: "Transforms text: upper, lower, title, trim, or reverse",
		Category:    CategoryAnalysis,
		Schema: Schema{
			Required: []string{"text", "op"},
			Properties: map[string]Property{
				"text": {Type: "string", Description: "Text to transform"},
				"op":   {Type: "string", Description: "Transformation to apply", Enum: []any{"upper", "lower", "title", "trim", "reverse"}},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			op, _ := args["op"].(string)
			switch op {
			case "upper":
				return strings.ToUpper(text), nil
			case "lower":
				return strings.ToLower(text), nil
			case "title":
				words := strings.Fields(text)
				for i, w := range words {
					r := []rune(w)
					if len(r) > 0 {
						r[0] = []rune(strings.ToUpper(string(r[0])))[0]
					}
					words[i] = string(r)
				}
				return strings.Join(words, " "), nil
			case "trim":
				return strings.TrimSpace(text), nil
			case "reverse":
				runes := []rune(text)
				for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
					runes[i], runes[j] = runes[j], runes[i]
				}
				return string(runes), nil
			default:
				return "", fmt.Errorf("unknown op: %s", op)
			}
		},
	}
}
