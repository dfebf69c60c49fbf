package envelopes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

func setupTestDumper(opts Options) (*Dumper, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &Dumper{
		Opts:   opts,
		Out:    &out,
		ErrOut: &errOut,
		Logger: utils.NewLogsManagerWithWriter(io.Discard, "error"),
	}, &out, &errOut
}

func TestSubscribeAllURL(t *testing.T) {
	url, err := SubscribeAllURL("dev", "")
	if err != nil || url != "https://dev.xmtp.network/message/v1/subscribe-all" {
		t.Errorf("Unexpected dev url (%q, %v)", url, err)
	}
	url, _ = SubscribeAllURL("dev", "http://example.test/")
	if url != "http://example.test/message/v1/subscribe-all" {
		t.Errorf("Expected base url override, got %q", url)
	}
	if _, err := SubscribeAllURL("staging", ""); err == nil {
		t.Error("Expected unknown environment to fail")
	}
}

func TestShouldEmit(t *testing.T) {
	if !ShouldEmit("", "", "") {
		t.Error("Expected topic-less envelope to pass without filters")
	}
	if ShouldEmit("", "dm", "") {
		t.Error("Expected topic-less envelope to be rejected with a filter")
	}
	if !ShouldEmit("/xmtp/mls/1/g-abc/proto", "g-", "/xmtp/mls") {
		t.Error("Expected matching topic to pass")
	}
	if ShouldEmit("/xmtp/mls/1/w-abc/proto", "", "/xmtp/0") {
		t.Error("Expected prefix mismatch to be rejected")
	}
}

func TestDecodeMessageAddsPadding(t *testing.T) {
	raw, ok := DecodeMessageBytes("aGVsbG8")
	if !ok || string(raw) != "hello" {
		t.Errorf("Expected hello, got (%q, %v)", raw, ok)
	}
}

func TestFormatEnvelopeDecodeAndTruncate(t *testing.T) {
	envelope := map[string]any{
		"contentTopic": "/xmtp/mls/1/g-1/proto",
		"message":      "AAECAwQFBgc=",
	}
	rendered, ok, err := FormatEnvelope(envelope, Options{DecodeMessage: true, HexMax: 4, MessageMax: 4})
	if err != nil || !ok {
		t.Fatalf("Expected envelope to render, got (%v, %v)", ok, err)
	}

	var out map[string]any
	json.Unmarshal(rendered, &out)
	if out["messageBytesLen"].(float64) != 8 {
		t.Errorf("Expected 8 decoded bytes, got %v", out["messageBytesLen"])
	}
	if out["messageBytesHex"] != "00010203...(+4 bytes)" {
		t.Errorf("Unexpected hex %v", out["messageBytesHex"])
	}
	if out["message"] != "AAEC..." {
		t.Errorf("Unexpected truncated message %v", out["message"])
	}
	if _, ok := envelope["messageBytesHex"]; ok {
		t.Error("Expected input envelope to be left untouched")
	}
}

func TestFormatEnvelopeOmitMessage(t *testing.T) {
	rendered, ok, _ := FormatEnvelope(map[string]any{"contentTopic": "t", "message": "AA=="}, Options{OmitMessage: true})
	if !ok || strings.Contains(string(rendered), "\"message\"") {
		t.Errorf("Expected message to be omitted, got %s", rendered)
	}
}

func TestProcessUnwrapsResultAndCounts(t *testing.T) {
	d, out, errOut := setupTestDumper(Options{MaxMessages: 2, TopicContains: "keep"})

	stream := strings.Join([]string{
		`{"result":{"contentTopic":"keep-1","message":"AA=="}}`,
		`not json`,
		`{"result":{"contentTopic":"drop-1"}}`,
		`{"result":{"contentTopic":"keep-2"}}`,
	}, "\n")

	n, err := d.Process(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected to stop after 2 counted lines, got %d", n)
	}
	if got := strings.Count(out.String(), "\n"); got != 1 {
		t.Errorf("Expected 1 emitted envelope, got %d: %s", got, out.String())
	}
	if strings.TrimSpace(errOut.String()) != "not json" {
		t.Errorf("Expected unparseable line on stderr, got %q", errOut.String())
	}
}

func TestRunPostsToSubscribeAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/message/v1/subscribe-all" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "{}" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		io.WriteString(w, "{\"result\":{\"contentTopic\":\"a\"}}\n{\"result\":{\"contentTopic\":\"b\"}}\n")
	}))
	defer srv.Close()

	d, out, _ := setupTestDumper(Options{Raw: true})
	url, _ := SubscribeAllURL("", srv.URL)
	n, err := d.Run(context.Background(), url)
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 lines, got (%d, %v)", n, err)
	}
	if !strings.HasPrefix(out.String(), `{"result":`) {
		t.Errorf("Expected raw lines, got %q", out.String())
	}
}
