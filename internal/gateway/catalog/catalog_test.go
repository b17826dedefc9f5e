package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `models:
  - id: openai/gpt-4o
    pricing:
      input: 2.50
      output: 10.00
    capabilities: [chat, tools, streaming]
  - id: anthropic/claude-sonnet-4
    pricing:
      input: 3
      output: 15
    capabilities: [chat]
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeCatalog(t, testCatalog))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	m, ok := c.Get("openai/gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "openai", m.Provider)
	assert.True(t, m.Pricing.Input.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, m.Pricing.Output.Equal(decimal.RequireFromString("10")))
	assert.True(t, m.SupportsCapability("tools"))
	assert.False(t, m.SupportsCapability("vision"))
}

func TestGetUnknownModel(t *testing.T) {
	c, err := Load(writeCatalog(t, testCatalog))
	require.NoError(t, err)

	_, ok := c.Get("openai/gpt-5-nano")
	assert.False(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMissingID(t *testing.T) {
	_, err := Load(writeCatalog(t, "models:\n  - pricing:\n      input: 1\n      output: 2\n"))
	assert.Error(t, err)
}

func TestLoadRejectsMissingProviderSegment(t *testing.T) {
	_, err := Load(writeCatalog(t, "models:\n  - id: gpt-4o\n    pricing:\n      input: 1\n      output: 2\n"))
	assert.Error(t, err)
}

func TestReloadReplacesTable(t *testing.T) {
	path := writeCatalog(t, testCatalog)
	c, err := Load(path)
	require.NoError(t, err)

	updated := `models:
  - id: openai/gpt-4o
    pricing:
      input: 5.00
      output: 20.00
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, c.Reload())

	assert.Equal(t, 1, c.Len())
	m, ok := c.Get("openai/gpt-4o")
	require.True(t, ok)
	assert.True(t, m.Pricing.Input.Equal(decimal.RequireFromString("5")))
}

func TestReloadKeepsTableOnFailure(t *testing.T) {
	path := writeCatalog(t, testCatalog)
	c, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("models: [oops"), 0o644))
	require.Error(t, c.Reload())

	// The previous table survives a bad edit.
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("anthropic/claude-sonnet-4")
	assert.True(t, ok)
}

func TestProvider(t *testing.T) {
	assert.Equal(t, "openai", Provider("openai/gpt-4o"))
	assert.Equal(t, "google", Provider("google/gemini-2.0-flash"))
	assert.Equal(t, "", Provider("gpt-4o"))
	assert.Equal(t, "", Provider("/gpt-4o"))
}
