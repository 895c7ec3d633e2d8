package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoflow/pkg/signature"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		flagBodyFile, flagSignature, flagSecret = "", "", ""
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSignatureCommands(t *testing.T) {
	body := `{"event":"ticket.created"}`
	out, err := execute(t, body, "signature", "sign", "--secret", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, signature.Sign([]byte(body), "s3cret"), strings.TrimSpace(out))

	sig := strings.TrimSpace(out)
	out, err = execute(t, body, "signature", "verify", "--secret", "s3cret", "--signature", sig)
	require.NoError(t, err)
	assert.Contains(t, out, "signature ok")

	_, err = execute(t, body+" ", "signature", "verify", "--secret", "s3cret", "--signature", sig)
	assert.EqualError(t, err, "signature mismatch")
}

func TestRulesCommands(t *testing.T) {
	rule := writeFile(t, "rule.json", `{
		"name": "low stock",
		"trigger": {"type": "event", "event_type": "inventory.updated"},
		"conditions": [{"field": "metadata.stock.quantity", "operator": "<", "value": 10}],
		"actions": [{"type": "notification"}]
	}`)
	out, err := execute(t, "", "rules", "validate", rule)
	require.NoError(t, err)
	assert.Contains(t, out, `"enabled": true`)
	assert.Contains(t, out, `"kind": "event"`)

	event := writeFile(t, "event.json", `{
		"event_id": "e-1", "tenant_id": "t1", "event_type": "inventory.updated",
		"metadata": {"stock": {"quantity": 3}}
	}`)
	out, err = execute(t, "", "rules", "eval", rule, event)
	require.NoError(t, err)
	assert.Contains(t, out, "match: 1 action(s) would run")

	bad := writeFile(t, "bad.json", `{"name": "x", "trigger": {"kind": "event"}, "actions": [{"type": "notification"}]}`)
	_, err = execute(t, "", "rules", "validate", bad)
	assert.ErrorContains(t, err, "trigger.event_type")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")
}
