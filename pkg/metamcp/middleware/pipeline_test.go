package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_BuildListTools_OrderOutermostFirst(t *testing.T) {
	p := New()
	var order []string

	mark := func(name string) ListToolsMiddleware {
		return func(next ListToolsHandler) ListToolsHandler {
			return func(ctx context.Context, rc *RequestContext) ([]ToolDescriptor, error) {
				order = append(order, name+":enter")
				out, err := next(ctx, rc)
				order = append(order, name+":exit")
				return out, err
			}
		}
	}

	p.Use(mark("smart-discovery"))
	p.Use(mark("overrides"))

	base := func(context.Context, *RequestContext) ([]ToolDescriptor, error) {
		order = append(order, "base")
		return nil, nil
	}

	handler := p.BuildListTools(base)
	_, err := handler(context.Background(), &RequestContext{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"smart-discovery:enter",
		"overrides:enter",
		"base",
		"overrides:exit",
		"smart-discovery:exit",
	}, order)
}

func TestPipeline_BuildCallTool_OverridesRewriteNameInnermost(t *testing.T) {
	p := New()

	// Overrides middleware: rewrite "fs_read" back to "alpha__read" before
	// reaching the base (aggregator) handler (spec §4.4).
	p.UseCall(func(next CallToolHandler) CallToolHandler {
		return func(ctx context.Context, rc *RequestContext, name string, args map[string]any) (*CallResult, error) {
			if name == "fs_read" {
				name = "alpha__read"
			}
			return next(ctx, rc, name, args)
		}
	})

	var dispatchedName string
	base := func(_ context.Context, _ *RequestContext, name string, _ map[string]any) (*CallResult, error) {
		dispatchedName = name
		return TextResult("ok"), nil
	}

	handler := p.BuildCallTool(base)
	_, err := handler(context.Background(), &RequestContext{}, "fs_read", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha__read", dispatchedName)
}

func TestTextResultAndErrorResult(t *testing.T) {
	r := TextResult("hi")
	assert.False(t, r.IsError)
	require.Len(t, r.Content, 1)
	assert.Equal(t, "hi", r.Content[0].Text)

	e := ErrorResult("nope")
	assert.True(t, e.IsError)
}
