package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sharedrop/sharedrop/internal/api"
	"github.com/sharedrop/sharedrop/internal/share"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging_AllLevels(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"DEBUG", logrus.InfoLevel},
		{"trace", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		name := tt.input
		if name == "" {
			name = "empty"
		}
		t.Run(name, func(t *testing.T) {
			setupLogging(tt.input)
			assert.Equal(t, tt.expected, logrus.GetLevel())
		})
	}
}

func TestSetupLogging_JSONFormatter(t *testing.T) {
	setupLogging("info")

	formatter, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	require.True(t, ok, "Formatter should be JSONFormatter")
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "sharedrop", cmd.Use)
	for _, flag := range []string{"config", "data-dir", "listen", "log-level", "public-url", "storage-backend", "enable-tls", "tls-cert", "tls-key"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"push", "get", "rm", "sweep"})
}

func startShareServer(t *testing.T) string {
	t.Helper()
	router := mux.NewRouter()
	manager := share.NewManager(share.NewMemoryStore(), share.DefaultOptions())
	api.NewHandler(manager, "http://share.test", 1<<20).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

var codePattern = regexp.MustCompile(`Code:\s+([A-Za-z0-9]+)`)

func TestPushGetRm(t *testing.T) {
	serverURL := startShareServer(t)

	out, err := runCLI(t, "", "push", "--server", serverURL, "hello", "world")
	require.NoError(t, err, out)
	match := codePattern.FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	code := match[1]
	assert.Contains(t, out, "http://share.test/api/v1/shares/"+code)

	out, err = runCLI(t, "", "get", "--server", serverURL, code)
	require.NoError(t, err, out)
	assert.Contains(t, out, "hello world")

	out, err = runCLI(t, "", "rm", "--server", serverURL, code)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Content deleted successfully.")

	_, err = runCLI(t, "", "get", "--server", serverURL, code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Content not found or expired.")
}

func TestPushFromStdin(t *testing.T) {
	serverURL := startShareServer(t)

	out, err := runCLI(t, "piped text\n", "push", "--server", serverURL, "-")
	require.NoError(t, err, out)
	code := codePattern.FindStringSubmatch(out)[1]

	out, err = runCLI(t, "", "get", "--server", serverURL, code)
	require.NoError(t, err)
	assert.Contains(t, out, "piped text")
}

func TestPushFileAndDownload(t *testing.T) {
	serverURL := startShareServer(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("file body"), 0644))

	out, err := runCLI(t, "", "push", "--server", serverURL, "--file", src, "--max-views", "1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Views:   1")
	code := codePattern.FindStringSubmatch(out)[1]

	dst := filepath.Join(dir, "out.txt")
	out, err = runCLI(t, "", "get", "--server", serverURL, "-o", dst, code)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Saved a.txt")

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "file body", string(data))

	// the single view is used up
	_, err = runCLI(t, "", "get", "--server", serverURL, "-o", dst+".again", code)
	require.Error(t, err)
	_, statErr := os.Stat(dst + ".again")
	assert.True(t, os.IsNotExist(statErr), "failed download must not leave a file behind")
}

func TestPushWithoutContent(t *testing.T) {
	serverURL := startShareServer(t)

	_, err := runCLI(t, "", "push", "--server", serverURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), share.MsgNoContent)
}

func TestSweepCommand(t *testing.T) {
	out, err := runCLI(t, "", "sweep", "--data-dir", t.TempDir(), "--storage-backend", "sqlite", "--log-level", "error")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Removed 0 expired shares")
}
