package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledsdavies/sievevm/core/host"
)

func writeMessageFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "message.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadJSONMessageFlattensPartsInTreeOrder(t *testing.T) {
	path := writeMessageFixture(t, `{
		"parts": [{
			"headers": [
				{"name": "Subject", "value": "hello"},
				{"name": "Content-Type", "value": "multipart/mixed; boundary=x"}
			],
			"text": "",
			"children": [
				{"headers": [{"name": "Content-Type", "value": "text/plain; charset=utf-8"}], "text": "body text"}
			]
		}]
	}`)

	msg, err := loadJSONMessage(path)
	require.NoError(t, err)

	ids := msg.PartIDs()
	require.Len(t, ids, 2)

	root := ids[0]
	assert.Equal(t, "multipart/mixed", msg.ContentType(root))
	boundary, ok := msg.ContentTypeParam(root, "boundary")
	assert.True(t, ok)
	assert.Equal(t, "x", boundary)

	children := msg.SubpartIDs(root)
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, "text/plain", msg.ContentType(child))
	assert.Equal(t, "body text", msg.BodyText(child))

	subject, ok := msg.HeaderRaw(root, "subject", 0)
	assert.True(t, ok)
	assert.Equal(t, "hello", subject)
}

func TestLoadJSONMessageRejectsEmptyDocument(t *testing.T) {
	path := writeMessageFixture(t, `{"parts": []}`)
	_, err := loadJSONMessage(path)
	assert.Error(t, err)
}

func TestJSONMessageAddressList(t *testing.T) {
	path := writeMessageFixture(t, `{
		"parts": [{
			"headers": [{"name": "To", "value": "Alice <alice@example.org>, bob@example.org"}]
		}]
	}`)
	msg, err := loadJSONMessage(path)
	require.NoError(t, err)

	addrs := msg.AddressList(msg.PartIDs()[0], "To")
	require.Len(t, addrs, 2)
	assert.Equal(t, "Alice", addrs[0].Name)
	assert.Equal(t, "alice@example.org", addrs[0].Address)
	assert.Equal(t, "bob@example.org", addrs[1].Address)
}

func TestJSONMessageHTMLToText(t *testing.T) {
	path := writeMessageFixture(t, `{"parts": [{"headers": []}]}`)
	msg, err := loadJSONMessage(path)
	require.NoError(t, err)

	assert.Equal(t, "hello world", msg.HTMLToText("<p>hello <b>world</b></p>"))
	assert.Equal(t, "<p>a &amp; b</p>", msg.TextToHTML("a & b"))
}

var _ host.Message = (*jsonMessage)(nil)
