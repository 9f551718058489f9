package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-servent/wire"
)

type fakeNode struct {
	calls  []string
	result wire.Result
	err    error
}

func (f *fakeNode) Upload(_ context.Context, path string) (wire.Result, error) {
	f.calls = append(f.calls, "upload "+path)
	return f.result, f.err
}

func (f *fakeNode) RemoveFile(_ context.Context, path string) (wire.Result, error) {
	f.calls = append(f.calls, "remove_file "+path)
	return f.result, f.err
}

func (f *fakeNode) ListFiles(_ context.Context, target wire.NodeInfo) (wire.Result, error) {
	f.calls = append(f.calls, "list_files "+target.Endpoint())
	return f.result, f.err
}

func (f *fakeNode) Put(_ context.Context, key int, value string) (wire.Result, error) {
	f.calls = append(f.calls, "put "+value)
	return f.result, f.err
}

func (f *fakeNode) Get(_ context.Context, key int) (wire.Result, error) {
	f.calls = append(f.calls, "get")
	return f.result, f.err
}

func (f *fakeNode) String() string {
	return "ring status"
}

func TestCommandLoop(t *testing.T) {
	var newLoop = func(node *fakeNode) (*commandLoop, *bytes.Buffer) {
		var out = &bytes.Buffer{}
		return &commandLoop{node: node, ringSize: 64, out: out}, out
	}

	t.Run("should run commands in order until stop", func(t *testing.T) {
		// Arrange
		var (
			node     = &fakeNode{result: wire.Result{OK: true, Payload: "OK:a.txt"}}
			sut, out = newLoop(node)
			input    = "upload a.txt\n\n# comment\nremove_file a.txt\nstop\nupload never.txt\n"
		)

		// Act
		err := sut.run(context.Background(), strings.NewReader(input))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"upload a.txt", "remove_file a.txt"}, node.calls)
		assert.Equal(t, "OK:a.txt\nOK:a.txt\n", out.String())
	})

	t.Run("should print a failed operation as output", func(t *testing.T) {
		// Arrange
		var (
			node     = &fakeNode{result: wire.Result{OK: false, Payload: "FAIL:a.txt"}}
			sut, out = newLoop(node)
		)

		// Act
		err := sut.run(context.Background(), strings.NewReader("remove_file a.txt\n"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "FAIL:a.txt\n", out.String())
	})

	t.Run("should list files of the target", func(t *testing.T) {
		// Arrange
		var (
			node = &fakeNode{result: wire.Result{
				Op:    wire.OpList,
				OK:    true,
				Files: []string{"a.txt", "b.txt"},
			}}
			sut, out = newLoop(node)
		)

		// Act
		err := sut.run(context.Background(), strings.NewReader("list_files localhost:1100\n"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"list_files localhost:1100"}, node.calls)
		assert.Equal(t, "2 files\n  a.txt\n  b.txt\n", out.String())
	})

	t.Run("should join put values with spaces", func(t *testing.T) {
		// Arrange
		var (
			node   = &fakeNode{result: wire.Result{OK: true}}
			sut, _ = newLoop(node)
		)

		// Act
		err := sut.run(context.Background(), strings.NewReader("put 12 hello ring\n"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"put hello ring"}, node.calls)
	})

	t.Run("should report bad commands and keep going", func(t *testing.T) {
		// Arrange
		var (
			node     = &fakeNode{result: wire.Result{OK: true, Payload: "v"}}
			sut, out = newLoop(node)
			input    = "dance\nget nope\nlist_files nohost\npause -1\nget 3\n"
		)

		// Act
		err := sut.run(context.Background(), strings.NewReader(input))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"get"}, node.calls)
		assert.Equal(t, 4, strings.Count(out.String(), "error: "))
		assert.True(t, strings.HasSuffix(out.String(), "v\n"))
	})

	t.Run("should print status", func(t *testing.T) {
		// Arrange
		var sut, out = newLoop(&fakeNode{})

		// Act
		err := sut.run(context.Background(), strings.NewReader("status\npause 1\n"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "ring status\n", out.String())
	})
}
