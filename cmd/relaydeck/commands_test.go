package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaydeck/internal/signer"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRootCommand()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("storage:\n  driver: memory\n"), 0o600))

	out, err := execute(t, "check-config", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "signer.key_file is not set")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("storage:\n  driver: cassette\n"), 0o600))
	_, err = execute(t, "check-config", "-c", bad)
	assert.Error(t, err)
}

func TestKeygen(t *testing.T) {
	key := filepath.Join(t.TempDir(), "id.json")
	t.Setenv("RELAYDECK_KEYGEN_TEST", "")
	_, err := execute(t, "keygen", "--out", key, "--passphrase-env", "RELAYDECK_KEYGEN_TEST")
	require.Error(t, err, "empty passphrase")

	t.Setenv("RELAYDECK_KEYGEN_TEST", "s3cret")
	out, err := execute(t, "keygen", "--out", key, "--passphrase-env", "RELAYDECK_KEYGEN_TEST")
	require.NoError(t, err)
	assert.Contains(t, out, "public key:")

	s := signer.New()
	require.NoError(t, s.Load(key))
	require.NoError(t, s.Unlock("s3cret"))

	_, err = execute(t, "keygen", "--out", key, "--passphrase-env", "RELAYDECK_KEYGEN_TEST")
	require.Error(t, err, "refuses to overwrite")
	_, err = execute(t, "keygen", "--out", key, "--passphrase-env", "RELAYDECK_KEYGEN_TEST", "--force")
	require.NoError(t, err)
}
