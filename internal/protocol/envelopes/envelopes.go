// Package envelopes reads the network's global envelope feed (subscribe-all), a
// newline-delimited JSON stream, and renders filtered envelopes for inspection.
package envelopes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const (
	category          = "envelopes"
	subscribeAllPath  = "/message/v1/subscribe-all"
	DefaultEnv        = "production"
	DefaultHexMax     = 256
	maxLineBufferSize = 64 * 1024
)

// Environments maps environment names to message API base URLs.
var Environments = map[string]string{
	"local":      "http://localhost:5555",
	"dev":        "https://dev.xmtp.network",
	"production": "https://production.xmtp.network",
}

// EnvironmentNames returns the known environments, sorted.
func EnvironmentNames() []string {
	names := make([]string, 0, len(Environments))
	for name := range Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SubscribeAllURL builds the feed URL; a non-empty baseURL overrides env.
func SubscribeAllURL(env, baseURL string) (string, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		var ok bool
		if base, ok = Environments[env]; !ok {
			return "", fmt.Errorf("unknown environment %q (expected one of %s)", env, strings.Join(EnvironmentNames(), ", "))
		}
	}
	return strings.TrimRight(base, "/") + subscribeAllPath, nil
}

type Options struct {
	Raw           bool
	Pretty        bool
	TopicContains string
	TopicPrefix   string
	// MaxMessages stops after N lines (0 = unlimited).
	MaxMessages int
	OmitMessage bool
	// MessageMax truncates the base64 message to N chars (0 = no truncation).
	MessageMax    int
	DecodeMessage bool
	// HexMax caps the decoded bytes rendered as hex (0 = no truncation).
	HexMax int
}

// Dumper writes rendered envelopes to Out and unparseable lines to ErrOut.
type Dumper struct {
	HTTP   *http.Client
	Opts   Options
	Out    io.Writer
	ErrOut io.Writer
	Logger *utils.LogsManager
}

// Run subscribes to url and dumps until the stream ends, ctx is done or MaxMessages is reached.
// Returns the number of lines counted.
func (d *Dumper) Run(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpClient := d.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to subscribe to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("subscribe-all returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	d.Logger.Info(fmt.Sprintf("Subscribed to envelope feed %s", url), category)
	n, err := d.Process(resp.Body)
	if err != nil && ctx.Err() != nil {
		return n, nil
	}
	return n, err
}

// Process consumes NDJSON lines from r.
func (d *Dumper) Process(r io.Reader) (int, error) {
	reader := bufio.NewReaderSize(r, maxLineBufferSize)
	count := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		line := strings.TrimSpace(strings.ToValidUTF8(string(raw), "�"))

		if line != "" {
			counted, err := d.handleLine(line)
			if err != nil {
				return count, err
			}
			if counted {
				count++
				if d.Opts.MaxMessages > 0 && count >= d.Opts.MaxMessages {
					return count, nil
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			return count, nil
		}
		if readErr != nil {
			return count, fmt.Errorf("failed to read envelope stream: %w", readErr)
		}
	}
}

// handleLine reports whether the line counts toward MaxMessages; unparseable lines do not.
func (d *Dumper) handleLine(line string) (bool, error) {
	if d.Opts.Raw {
		_, err := fmt.Fprintln(d.Out, line)
		return true, err
	}

	envelope, err := unwrap([]byte(line))
	if err != nil {
		fmt.Fprintln(d.ErrOut, line)
		return false, nil
	}

	rendered, ok, err := FormatEnvelope(envelope, d.Opts)
	if err != nil {
		return true, err
	}
	if ok {
		if _, err := fmt.Fprintln(d.Out, string(rendered)); err != nil {
			return true, err
		}
	}
	return true, nil
}

// unwrap returns the "result" object of a stream line, or the line itself.
func unwrap(line []byte) (map[string]any, error) {
	var payload any
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("line is not a JSON object")
	}
	if result, ok := obj["result"]; ok {
		if inner, ok := result.(map[string]any); ok {
			return inner, nil
		}
	}
	return obj, nil
}

// ShouldEmit applies the topic filters. Envelopes without a topic pass only when no filter is set.
func ShouldEmit(topic, contains, prefix string) bool {
	if topic == "" {
		return contains == "" && prefix == ""
	}
	if contains != "" && !strings.Contains(topic, contains) {
		return false
	}
	if prefix != "" && !strings.HasPrefix(topic, prefix) {
		return false
	}
	return true
}

// DecodeMessageBytes decodes standard base64 leniently: characters outside the alphabet
// are discarded and missing padding is added.
func DecodeMessageBytes(message string) ([]byte, bool) {
	var b strings.Builder
	for _, r := range message {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '/' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if pad := (4 - len(clean)%4) % 4; pad > 0 {
		clean += strings.Repeat("=", pad)
	}
	raw, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// FormatEnvelope renders one envelope, or reports false when the filters reject it.
func FormatEnvelope(envelope map[string]any, opts Options) ([]byte, bool, error) {
	topic, _ := envelope["contentTopic"].(string)
	if !ShouldEmit(topic, opts.TopicContains, opts.TopicPrefix) {
		return nil, false, nil
	}

	output := make(map[string]any, len(envelope)+2)
	for k, v := range envelope {
		output[k] = v
	}

	if message, ok := output["message"].(string); ok {
		if opts.DecodeMessage {
			if raw, ok := DecodeMessageBytes(message); ok {
				output["messageBytesLen"] = len(raw)
				if opts.HexMax == 0 || len(raw) <= opts.HexMax {
					output["messageBytesHex"] = hex.EncodeToString(raw)
				} else {
					output["messageBytesHex"] = fmt.Sprintf("%s...(+%d bytes)",
						hex.EncodeToString(raw[:opts.HexMax]), len(raw)-opts.HexMax)
				}
			} else {
				output["messageBytesLen"] = nil
				output["messageBytesHex"] = nil
			}
		}
		if opts.MessageMax > 0 && len(message) > opts.MessageMax {
			output["message"] = message[:opts.MessageMax] + "..."
		}
	}
	if opts.OmitMessage {
		delete(output, "message")
	}

	var rendered []byte
	var err error
	if opts.Pretty {
		rendered, err = json.MarshalIndent(output, "", "  ")
	} else {
		rendered, err = json.Marshal(output)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to render envelope: %w", err)
	}
	return rendered, true, nil
}
