package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_Substitution(t *testing.T) {
	ctx := map[string]any{
		"subject": map[string]any{
			"title": "Weekly sync",
			"path":  "/acme/notes/n1",
		},
	}
	out := Render("Summarize {{ subject.title }} at {{subject.path}}", ctx)
	assert.Equal(t, "Summarize Weekly sync at /acme/notes/n1", out)
}

func TestRender_UnresolvedPathsBecomeEmpty(t *testing.T) {
	out := Render("before {{ missing.path }} after", map[string]any{})
	assert.Equal(t, "before  after", out)

	// Deep miss through a non-map intermediate.
	ctx := map[string]any{"a": "scalar"}
	assert.Equal(t, "x", Render("x{{ a.b.c }}", ctx))
}

func TestRender_NonScalarValuesJSONEncoded(t *testing.T) {
	ctx := map[string]any{
		"payload": map[string]any{
			"tags": []any{"a", "b"},
		},
	}
	out := Render("tags={{ payload.tags }}", ctx)
	assert.Equal(t, `tags=[&#34;a&#34;,&#34;b&#34;]`, out)
}

func TestRender_HTMLEscapesSubstitutedText(t *testing.T) {
	ctx := map[string]any{
		"subject": map[string]any{"title": `<script>alert("x")</script>`},
	}
	out := Render("{{ subject.title }}", ctx)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")

	// Literal template text outside expressions passes through untouched.
	assert.Equal(t, "<b>hi</b>", Render("<b>hi</b>", ctx))
}

func TestRender_NumbersDropTrailingZero(t *testing.T) {
	ctx := map[string]any{"payload": map[string]any{"count": float64(3), "ratio": 2.5}}
	assert.Equal(t, "3", Render("{{ payload.count }}", ctx))
	assert.Equal(t, "2.5", Render("{{ payload.ratio }}", ctx))
}

func TestRender_NeverFails(t *testing.T) {
	inputs := []string{
		"",
		"{{",
		"{{}}",
		"{{ }}",
		"{{ a..b }}",
		"plain text with no expressions",
		"{{ very.deeply.nested.missing.path.that.goes.on }}",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Render(in, nil) })
	}
}

func TestTriggerContext(t *testing.T) {
	data := map[string]any{
		"payload":     map[string]any{"kind": "ping"},
		"inputs":      map[string]any{"topic": "general"},
		"path":        "abc123",
		"received_at": "2026-03-14T09:00:00Z",
		"source_ip":   "203.0.113.9",
		"event_id":    "ignored",
	}
	ctx := TriggerContext(data)

	assert.Equal(t, map[string]any{"kind": "ping"}, ctx["payload"])
	assert.Equal(t, map[string]any{"topic": "general"}, ctx["inputs"])
	assert.Equal(t, map[string]any{
		"path":        "abc123",
		"received_at": "2026-03-14T09:00:00Z",
		"source_ip":   "203.0.113.9",
	}, ctx["webhook"])
	assert.NotContains(t, ctx, "event_id")
}

func TestTriggerContext_Nil(t *testing.T) {
	assert.Equal(t, map[string]any{}, TriggerContext(nil))
}
