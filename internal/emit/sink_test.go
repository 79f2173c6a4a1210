package emit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_WritesUnderRoot(t *testing.T) {
	root := t.TempDir()
	sink := NewFileSink(root)

	require.NoError(t, sink.Write(Artifact{
		AtomID: "a1", TargetPath: "pkg/math/ops.go", Code: "func Add() {}",
	}))
	require.NoError(t, sink.Write(Artifact{
		AtomID: "a2", TargetPath: "pkg/math/ops.go", Code: "func Sub() {}",
	}))

	data, err := os.ReadFile(filepath.Join(root, "pkg", "math", "ops.go"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "func Add() {}")
	assert.Contains(t, content, "func Sub() {}")
	assert.Less(t, strings.Index(content, "Add"), strings.Index(content, "Sub"), "acceptance order preserved")
}

func TestFileSink_RefusesEscapingPaths(t *testing.T) {
	sink := NewFileSink(t.TempDir())
	assert.Error(t, sink.Write(Artifact{AtomID: "a1", TargetPath: "../outside.go", Code: "x"}))
	assert.Error(t, sink.Write(Artifact{AtomID: "a2", TargetPath: "/etc/passwd", Code: "x"}))
}

func TestRecorder_KeepsOrder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.Write(Artifact{AtomID: "a1"}))
	require.NoError(t, r.Write(Artifact{AtomID: "a2"}))

	artifacts := r.Artifacts()
	require.Len(t, artifacts, 2)
	assert.Equal(t, "a1", artifacts[0].AtomID)
	assert.Equal(t, "a2", artifacts[1].AtomID)
}
