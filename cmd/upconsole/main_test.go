package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBaudPlain(t *testing.T) {
	n, err := parseBaud("115200")
	require.NoError(t, err)
	require.Equal(t, 115200, n)
}

func TestParseBaudKiloSuffix(t *testing.T) {
	n, err := parseBaud("9k")
	require.NoError(t, err)
	require.Equal(t, 9000, n)
}

func TestParseBaudMegaSuffix(t *testing.T) {
	n, err := parseBaud("1m")
	require.NoError(t, err)
	require.Equal(t, 1000000, n)
}

func TestParseBaudRejectsGarbage(t *testing.T) {
	_, err := parseBaud("not-a-number")
	require.Error(t, err)
}

func TestFieldsOfSplitsOnWhitespace(t *testing.T) {
	require.Equal(t, []string{"--baud", "9600", "--defer"}, fieldsOf("  --baud   9600\n--defer \t"))
}

func TestExpandScriptsSplicesFileTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.txt")
	require.NoError(t, os.WriteFile(path, []byte("--baud 9600 --defer"), 0644))

	out, err := expandScripts([]string{"--serial", "/dev/ttyUSB0", "--script", path, "--fc", "rts"}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"--serial", "/dev/ttyUSB0", "--baud", "9600", "--defer", "--fc", "rts"}, out)
}

func TestExpandScriptsRejectsTooDeepNesting(t *testing.T) {
	dir := t.TempDir()
	// A script that includes itself would recurse forever without a
	// depth limit.
	path := filepath.Join(dir, "loop.txt")
	require.NoError(t, os.WriteFile(path, []byte("--script "+path), 0644))

	_, err := expandScripts([]string{"--script", path}, 0)
	require.Error(t, err)
}
