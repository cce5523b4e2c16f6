package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const markdownDoc = "# Release plan\n" +
	"\n" +
	"Some prose describing the work.\n" +
	"\n" +
	"```go\n" +
	"// unrelated code block\n" +
	"```\n" +
	"\n" +
	"```yaml plan\n" +
	"base_branch: main\n" +
	"jobs:\n" +
	"  - producer_id: build\n" +
	"    task: build it\n" +
	"    work: \"make\"\n" +
	"```\n"

func TestParseMarkdown(t *testing.T) {
	spec, err := ParseMarkdown([]byte(markdownDoc))
	require.NoError(t, err)

	assert.Equal(t, "main", spec.BaseBranch)
	require.Len(t, spec.Jobs, 1)
	assert.Equal(t, "build", spec.Jobs[0].ProducerID)
	assert.Equal(t, "make", spec.Jobs[0].Work.Shell.Command)
}

func TestParseMarkdownNoPlanBlock(t *testing.T) {
	doc := "# Doc\n\n```yaml\nbase_branch: main\n```\n"
	_, err := ParseMarkdown([]byte(doc))
	assert.Error(t, err)
}

func TestParseMarkdownMultiplePlanBlocks(t *testing.T) {
	doc := markdownDoc + "\n```yaml plan\nbase_branch: dev\njobs: []\n```\n"
	_, err := ParseMarkdown([]byte(doc))
	assert.Error(t, err)
}

func TestParseFileMarkdown(t *testing.T) {
	path := writeFile(t, "design.md", markdownDoc)
	spec, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "design", spec.Name)
	assert.Len(t, spec.Jobs, 1)
}
