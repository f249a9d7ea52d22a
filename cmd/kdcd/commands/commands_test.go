package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kardianos/gokdc/keystore"
	"github.com/kardianos/gokdc/krb5"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kdcd.yaml")
	content := "realm: EXAMPLE.COM\n" +
		"database:\n  type: badger\n  path: " + filepath.Join(dir, "db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPrincipalCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "principal", "add", "alice", "-p", "secret", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Added alice@EXAMPLE.COM (kvno 1)")

	_, err = run(t, "principal", "add", "alice", "-p", "secret", "--config", cfg)
	require.Error(t, err)

	out, err = run(t, "principal", "passwd", "alice", "-p", "other", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "kvno 2")

	out, err = run(t, "principal", "list", "-o", "yaml", "--config", cfg)
	require.NoError(t, err)
	var infos []principalInfo
	require.NoError(t, yaml.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "alice@EXAMPLE.COM", infos[0].Name)
	assert.Equal(t, 2, infos[0].KVNO)
	assert.NotEmpty(t, infos[0].EncTypes)

	_, err = run(t, "principal", "delete", "krbtgt/EXAMPLE.COM", "--config", cfg)
	require.Error(t, err)

	out, err = run(t, "principal", "delete", "alice", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted alice@EXAMPLE.COM")
}

func TestPrincipalNeedsBadger(t *testing.T) {
	t.Setenv("KDCD_REALM", "EXAMPLE.COM")
	_, err := run(t, "principal", "list", "--config", "")
	require.ErrorContains(t, err, "database.type badger")
}

func TestKeytabCreate(t *testing.T) {
	cfg := writeConfig(t)
	path := filepath.Join(t.TempDir(), "http.keytab")

	_, err := run(t, "keytab", "create", "HTTP/www.example.com", "-p", "web", "--kvno", "4", "-f", path, "--config", cfg)
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	src, err := keystore.ParseKeytab(b, nil)
	require.NoError(t, err)
	p, err := krb5.ParsePrincipal("HTTP/www.example.com@EXAMPLE.COM", "")
	require.NoError(t, err)
	keys := src.Keys().For(p)
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Equal(t, 4, k.KVNO)
	}

	out, err := run(t, "keytab", "list", path)
	require.NoError(t, err)
	assert.Contains(t, out, "HTTP/www.example.com@EXAMPLE.COM")
}

func TestWritePrincipalsTable(t *testing.T) {
	var buf bytes.Buffer
	err := writePrincipals(&buf, "table", []principalInfo{
		{Name: "alice@EXAMPLE.COM", KVNO: 1, EncTypes: []string{"aes256-cts-hmac-sha1-96"}},
		{Name: "bob@EXAMPLE.COM", KVNO: 3, DisablePreauth: true, MaxLife: "1h0m0s"},
	})
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "NAME")
	assert.Contains(t, string(lines[2]), "off")
	assert.Contains(t, string(lines[2]), "1h0m0s")

	require.Error(t, writePrincipals(&buf, "xml", nil))
}
