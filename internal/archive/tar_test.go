package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackDirectory(t *testing.T) {
	src := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "inputs", "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/bash\necho hi\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "inputs", "nested", "ligand.sdf"), []byte("ligand"), 0644))

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, src))

	dest := t.TempDir()
	roots, err := Unpack(&buf, dest)
	require.NoError(t, err)
	require.Equal(t, []string{"work"}, roots)

	data, err := os.ReadFile(filepath.Join(dest, "work", "inputs", "nested", "ligand.sdf"))
	require.NoError(t, err)
	require.Equal(t, "ligand", string(data))

	info, err := os.Stat(filepath.Join(dest, "work", "run.sh"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0100, "executable bit should survive")
}

func TestPackSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(src, []byte("echo"), 0644))

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, src))

	dest := t.TempDir()
	roots, err := Unpack(&buf, dest)
	require.NoError(t, err)
	require.Equal(t, []string{"script.sh"}, roots)
	require.FileExists(t, filepath.Join(dest, "script.sh"))
}

func TestUnpackRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Unpack(&buf, t.TempDir())
	require.Error(t, err)
}

func TestUnpackRejectsSymlinkChainEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "d", Linkname: ".", Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "up", Linkname: "d/..", Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "up/escaped.txt", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	_, err = Unpack(&buf, dest)
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(parent, "escaped.txt"))
}

func TestUnpackReplacesSymlinkWithFile(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0644))

	dest := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "result.txt")))

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "result.txt", Mode: 0644, Size: 3, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	_, err = Unpack(&buf, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	require.Equal(t, "keep", string(data))
	data, err = os.ReadFile(filepath.Join(dest, "result.txt"))
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func TestUnpackAllowsLinksInsideDestination(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "work/", Mode: 0755, Typeflag: tar.TypeDir}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "work/data/", Mode: 0755, Typeflag: tar.TypeDir}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "work/latest", Linkname: "data", Typeflag: tar.TypeSymlink}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "work/latest/out.txt", Mode: 0644, Size: 2, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dest := t.TempDir()
	_, err = Unpack(&buf, dest)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "work", "data", "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(data))
}

func TestPackMissingSource(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, Pack(&buf, filepath.Join(t.TempDir(), "missing")))
}
