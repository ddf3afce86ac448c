package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"searchbridge/internal/domain"
)

// Config holds integration test configuration from the environment
type Config struct {
	SerperKey   string
	TestTimeout time.Duration
}

// LoadConfig loads integration test configuration from the environment
func LoadConfig() *Config {
	return &Config{
		SerperKey:   os.Getenv("SERPER_API_KEY"),
		TestTimeout: 60 * time.Second,
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: %s_API_KEY not set", name, name)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Canned protocol frames for the stub host. @ID@ is substituted with the
// request id by the script. Each file is a single newline-terminated
// frame.
const (
	stubInitResult = `{"jsonrpc":"2.0","id":@ID@,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"stub-host","version":"0.1.0"}}}
`
	stubListResult = `{"jsonrpc":"2.0","id":@ID@,"result":{"tools":[{"name":"web_search","description":"stubbed search"}]}}
`
	stubCallResult = `{"jsonrpc":"2.0","id":@ID@,"result":{"content":[{"type":"text","text":"{\"results\":[{\"title\":\"Go (programming language)\",\"snippet\":\"Stubbed result\",\"url\":\"https://example.com/go\",\"rank\":1}],\"metadata\":{\"provider\":\"stub\",\"query\":\"golang\",\"total_results\":1,\"response_time_ms\":3}}"}],"isError":false}}
`
)

const stubHostScript = `#!/bin/sh
# stub tool host: newline-delimited JSON-RPC frames on stdio
dir="$(dirname "$0")"
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9][0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"initialize"'*)
      sed "s/@ID@/$id/" "$dir/init_result.json"
      ;;
    *'"method":"notifications/initialized"'*)
      ;;
    *'"method":"tools/list"'*)
      sed "s/@ID@/$id/" "$dir/list_result.json"
      ;;
    *'"method":"tools/call"'*)
      sed "s/@ID@/$id/" "$dir/call_result.json"
      @AFTER_CALL@
      ;;
  esac
done
`

// WriteStubHost writes a shell-scripted tool host into dir and returns
// a spec that runs it. The script speaks just enough of the protocol
// for the handshake, tools/list, and a canned web_search reply. With
// exitAfterCall set it terminates right after its first tools/call
// response, which the bridge sees as a host crash.
func WriteStubHost(t *testing.T, dir string, exitAfterCall bool) domain.ProcessSpec {
	t.Helper()

	afterCall := ":"
	if exitAfterCall {
		afterCall = "exit 0"
	}
	script := strings.Replace(stubHostScript, "@AFTER_CALL@", afterCall, 1)

	files := map[string]string{
		"host.sh":          script,
		"init_result.json": stubInitResult,
		"list_result.json": stubListResult,
		"call_result.json": stubCallResult,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	return domain.ProcessSpec{
		Command: "sh",
		Args:    []string{filepath.Join(dir, "host.sh")},
	}
}
