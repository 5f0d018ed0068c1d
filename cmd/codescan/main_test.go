package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/scanner"
	"github.com/SiriusScan/codescan/sirius/vulnerability"
)

// fakeTools answers semgrep with one ERROR finding in app.py and every
// other scanner with an empty report.
func fakeTools(root string) scanner.Runner {
	return scanner.RunnerFunc(func(_ context.Context, cmd scanner.Command) (scanner.Output, error) {
		if cmd.Name != "semgrep" {
			return scanner.Output{}, nil
		}
		report := fmt.Sprintf(`{"results":[{"check_id":"python.lang.security.audit.eval-detected","path":%q,
			"start":{"line":3},"end":{"line":3},
			"extra":{"message":"Detected use of eval().","severity":"ERROR","metadata":{"cwe":["CWE-95"]}}}]}`,
			filepath.Join(root, "app.py"))
		return scanner.Output{Stdout: []byte(report), ExitCode: 1}, nil
	})
}

func checkout(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.py"), []byte("import os\n\neval(input())\n"), 0o644))
	return root
}

func execute(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(withRunner(fakeTools(root)))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--db-driver", "memory", "--no-valkey", "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestScanCommandText(t *testing.T) {
	t.Log("🧪 Testing one-shot scan...")
	root := checkout(t)

	out, err := execute(t, root, "scan", root)
	require.NoError(t, err)

	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "Findings: 1 (critical 1")
	assert.Contains(t, out, "app.py:3")
	assert.Contains(t, out, "semgrep")
	t.Log("✅ Scan printed")
}

func TestScanCommandJSON(t *testing.T) {
	root := checkout(t)

	out, err := execute(t, root, "scan", root, "--output", "json", "--repository", "github.com/acme/app")
	require.NoError(t, err)

	var report struct {
		Scan            scan.Scan                     `json:"scan"`
		Vulnerabilities []vulnerability.Vulnerability `json:"vulnerabilities"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, scan.StatusCompleted, report.Scan.Status)
	assert.Equal(t, 100, report.Scan.ProgressPercentage)
	assert.Equal(t, "github.com/acme/app", report.Scan.Target.Repository)
	require.Len(t, report.Vulnerabilities, 1)
	assert.Equal(t, vulnerability.SeverityCritical, report.Vulnerabilities[0].Severity)
	assert.Equal(t, "app.py", report.Vulnerabilities[0].Path())
	assert.NotEmpty(t, report.Vulnerabilities[0].Metadata["content_hash"], "hashed from the checkout")
}

func TestScanCommandFailOn(t *testing.T) {
	root := checkout(t)

	_, err := execute(t, root, "scan", root, "--fail-on", "high")
	assert.True(t, errors.Is(err, errThreshold))

	_, err = execute(t, root, "scan", root, "--fail-on", "nonsense")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown severity")
}

func TestScanCommandRestrictedScanners(t *testing.T) {
	root := checkout(t)

	out, err := execute(t, root, "scan", root, "--scanners", "gitleaks")
	require.NoError(t, err)
	assert.Contains(t, out, "Findings: 0")
	assert.True(t, strings.Contains(out, "semgrep") && strings.Contains(out, "skipped"))
}

func TestMigrateSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "codescan.db")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db-driver", "sqlite", "--db-dsn", dsn, "--log-level", "error", "migrate"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "schema is up to date")

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--db-driver", "memory", "migrate"})
	assert.Error(t, cmd.Execute())
}

func TestAPIKeyCreate(t *testing.T) {
	out, err := execute(t, "", "apikey", "create", "--label", "ci")
	require.NoError(t, err)
	assert.Contains(t, out, `Created API key "ci"`)
	assert.Contains(t, out, "key: csk_")
}
