package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	texts    []string
	commands [][2]string
	docs     []map[string]any
}

func (r *recordingSender) SendText(text string) error {
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) SendCommand(verb, arguments string) error {
	r.commands = append(r.commands, [2]string{verb, arguments})
	return nil
}

func (r *recordingSender) SendJSON(doc map[string]any) error {
	r.docs = append(r.docs, doc)
	return nil
}

func TestHandleLineText(t *testing.T) {
	s := &recordingSender{}

	for _, line := range []string{"hello", "  spaced  ", "//slash\r", "", "   "} {
		quit, err := handleLine(s, line)
		require.NoError(t, err)
		assert.False(t, quit)
	}
	assert.Equal(t, []string{"hello", "  spaced  ", "/slash"}, s.texts)
}

func TestHandleLineCommand(t *testing.T) {
	s := &recordingSender{}

	_, err := handleLine(s, "/cmd join #general")
	require.NoError(t, err)
	_, err = handleLine(s, "/cmd ping")
	require.NoError(t, err)
	_, err = handleLine(s, "/cmd nick  alice bob ")
	require.NoError(t, err)

	assert.Equal(t, [][2]string{
		{"join", "#general"},
		{"ping", ""},
		{"nick", "alice bob"},
	}, s.commands)

	_, err = handleLine(s, "/cmd")
	assert.Error(t, err)
	assert.Len(t, s.commands, 3)
}

func TestHandleLineJSON(t *testing.T) {
	s := &recordingSender{}

	_, err := handleLine(s, `/json {"n": 3, "tags": ["a"]}`)
	require.NoError(t, err)
	require.Len(t, s.docs, 1)
	assert.Equal(t, json.Number("3"), s.docs[0]["n"])
	assert.Equal(t, []any{"a"}, s.docs[0]["tags"])

	for _, line := range []string{"/json", "/json [1,2]", "/json {", `/json {"a":1} {"b":2}`} {
		_, err := handleLine(s, line)
		assert.Error(t, err, line)
	}
	assert.Len(t, s.docs, 1)
}

func TestHandleLineQuit(t *testing.T) {
	s := &recordingSender{}

	for _, line := range []string{"/quit", "/exit"} {
		quit, err := handleLine(s, line)
		require.NoError(t, err)
		assert.True(t, quit)
	}

	quit, err := handleLine(s, "/nope")
	assert.ErrorIs(t, err, errUnknownInput)
	assert.False(t, quit)
	assert.Empty(t, s.texts)
}
