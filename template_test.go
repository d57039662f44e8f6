package pyxm

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexaweb/pyxm/internal/testutil"
)

func caseConfig(t *testing.T, settings testutil.Settings) Config {
	t.Helper()
	cfg := DefaultConfig()
	if settings.Escape != "" {
		require.NoError(t, cfg.Escape.UnmarshalText([]byte(settings.Escape)))
	}
	if settings.Undefined != "" {
		require.NoError(t, cfg.Undefined.UnmarshalText([]byte(settings.Undefined)))
	}
	cfg.Whitespace.TrimBlocks = settings.TrimBlocks
	cfg.Whitespace.LstripBlocks = settings.LstripBlocks
	return cfg
}

func TestRenderCases(t *testing.T) {
	paths, err := testutil.GlobCases(filepath.Join("testdata", "cases"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		c, err := testutil.ParseCaseFile(path)
		require.NoError(t, err)

		t.Run(c.Name, func(t *testing.T) {
			resolver := NewMapResolver(c.Templates)
			resolver.Set(c.Name, c.Template)
			engine := New(caseConfig(t, c.Settings), resolver)

			out, err := engine.RenderTemplate(testContext(t), c.Name, c.Context)
			if c.Error != "" {
				require.Error(t, err)
				assert.Equal(t, c.Error, KindOf(err).String(), "%+v", err)
				return
			}
			require.NoError(t, err, "%+v", err)
			if diff := testutil.Diff(c.Expected, out); diff != "" {
				t.Errorf("output mismatch for %s\n%s", path, diff)
			}
		})
	}
}

func TestCompileStandalone(t *testing.T) {
	tmpl, err := Compile("greeting", "{% block main %}Hi{% endblock %}", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "greeting", tmpl.Name())
	assert.Equal(t, Identity{Name: "greeting", Fingerprint: Fingerprint("{% block main %}Hi{% endblock %}")}, tmpl.Identity())
	assert.Equal(t, []string{"main"}, tmpl.BlockNames())
	_, ok := tmpl.Parent()
	assert.False(t, ok)

	names := tmpl.BlockNames()
	names[0] = "changed"
	assert.Equal(t, []string{"main"}, tmpl.BlockNames())

	engine := New(DefaultConfig(), nil)
	var sb strings.Builder
	require.NoError(t, engine.Render(testContext(t), &sb, tmpl, nil))
	assert.Equal(t, "Hi", sb.String())
}
