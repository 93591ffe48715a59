package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, headers)

	headers, err = parseHeaders([]string{"priority=high", " trace = a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"priority": "high", "trace": " a=b"}, headers)

	_, err = parseHeaders([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseHeaders([]string{"=x"})
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	send, _, err := root.Find([]string{"send"})
	require.NoError(t, err)
	assert.NotNil(t, send.Flags().Lookup("queue"))
	assert.NotNil(t, send.Flags().Lookup("header"))

	receive, _, err := root.Find([]string{"receive"})
	require.NoError(t, err)
	assert.NotNil(t, receive.Flags().Lookup("timeout"))
	assert.NotNil(t, root.PersistentFlags().Lookup("broker-url"))
}
