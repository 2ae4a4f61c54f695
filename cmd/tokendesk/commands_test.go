package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/brojonat/tokendesk/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// runApp runs the CLI against serverURL and returns what it wrote to stdout.
func runApp(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &bytes.Buffer{}
	app.ExitErrHandler = func(*cli.Context, error) {}

	argv := append([]string{"tokendesk", "--server-url", serverURL}, args...)
	err := app.Run(argv)
	return out.String(), err
}

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "server", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy")
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"database unavailable"}`))
	}))
	defer server.Close()

	_, err := runApp(t, server.URL, "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestHealthCommand_MissingServerURL(t *testing.T) {
	_, err := runApp(t, "", "server", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url is required")
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "http://unused", "server", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")

	out, err = runApp(t, "http://unused", "--json", "server", "version")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info["version"])
}

func TestTokenMintCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tokens/MintAddr/mint", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2.5", body["amount"])
		assert.Equal(t, "Dest", body["destination"])

		w.Write([]byte(`{"operation_id":"op-1","intent":"mint_to","mint":"MintAddr","message":"Minted 2.5 tokens",
			"units":[{"label":"mint to Dest","status":"confirmed","signature":"sig1"}],"committed":["sig1"]}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "token", "mint", "--to", "Dest", "MintAddr", "2.5")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Minted 2.5 tokens")
	assert.Contains(t, out, "Operation: op-1")
	assert.Contains(t, out, "sig1")
}

func TestTokenSendCommand_FailureShowsUnits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"transfer failed","kind":"submission_failed","operation":{
			"intent":"transfer","units":[{"label":"create receiver account","status":"confirmed","signature":"sig1"},
			{"label":"transfer","status":"failed","error":"insufficient funds"}],"committed":["sig1"]}}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "token", "send", "MintAddr", "1", "Receiver")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transfer failed")
	assert.Contains(t, out, "create receiver account")
	assert.Contains(t, out, "insufficient funds")
}

func TestTokenCommands_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"zero amount", []string{"token", "mint", "MintAddr", "0"}, "greater than zero"},
		{"bad amount", []string{"token", "send", "MintAddr", "abc", "Receiver"}, "invalid amount"},
		{"missing receiver", []string{"token", "send", "MintAddr", "1"}, "receiver are required"},
		{"decimals out of range", []string{"token", "create", "--decimals", "12"}, "between 0 and 9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runApp(t, "http://127.0.0.1:1", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHoldingsCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/holdings", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("refresh"))
		w.Write([]byte(`{"owner":"Owner","sol_balance":"1.5","skipped":1,
			"holdings":[{"mint":"MintA","token_account":"AccA","raw_amount":250,"decimals":2,"balance":"2.5","symbol":"TKN"}]}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "holdings", "--refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "SOL:   1.5")
	assert.Contains(t, out, "MintA")
	assert.Contains(t, out, "TKN")
	assert.Contains(t, out, "1 unreadable token accounts skipped")
}

const historyBody = `{"owner":"Owner","source":"live","records":[
	{"signature":"sigTransfer","slot":10,"status":"success","type":"transfer","details":"Sent 1 tokens","mint":"MintA"},
	{"signature":"sigMint","slot":9,"status":"success","type":"mint_to","details":"Minted 5 tokens","mint":"MintB"},
	{"signature":"sigFailed","slot":8,"status":"failed","type":"unknown","details":"Transaction failed"}]}`

func historyServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/history", r.URL.Path)
		w.Write([]byte(historyBody))
	}))
}

func TestHistoryCommand_JQ(t *testing.T) {
	server := historyServer(t)
	defer server.Close()

	out, err := runApp(t, server.URL, "history", "--jq", `.status == "success"`, "--jq", `.type == "mint_to"`)
	require.NoError(t, err)
	assert.Contains(t, out, "Minted 5 tokens")
	assert.NotContains(t, out, "Sent 1 tokens")
	assert.NotContains(t, out, "Transaction failed")
}

func TestHistoryCommand_InvalidJQ(t *testing.T) {
	_, err := runApp(t, "http://127.0.0.1:1", "history", "--jq", ".status ==")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestHistoryCommand_YAML(t *testing.T) {
	server := historyServer(t)
	defer server.Close()

	out, err := runApp(t, server.URL, "history", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "owner: Owner")
	assert.Contains(t, out, "signature: sigMint")
}

func TestHistoryExport(t *testing.T) {
	server := historyServer(t)
	defer server.Close()

	path := filepath.Join(t.TempDir(), "history.xlsx")
	out, err := runApp(t, server.URL, "history", "export", "--xlsx", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 3 records")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWalletDeriveCommand(t *testing.T) {
	const mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	want, err := solana.WalletFromMnemonic(mnemonic, "")
	require.NoError(t, err)

	out, err := runApp(t, "http://unused", "wallet", "derive", "--mnemonic", mnemonic)
	require.NoError(t, err)
	assert.Contains(t, out, want.PublicKey().String())

	out, err = runApp(t, "http://unused", "wallet", "derive", "--generate")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Len(t, strings.Fields(strings.TrimPrefix(lines[0], "Mnemonic:")), 24)
}

func TestWatchAddCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "10m0s", body["interval"])

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"address":"Addr","network":"devnet","snapshot_interval":"10m0s","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	out, err := runApp(t, server.URL, "watch", "add", "--interval", "10m", "Addr")
	require.NoError(t, err)
	assert.Contains(t, out, "Watching Addr on devnet every 10m0s")
}
