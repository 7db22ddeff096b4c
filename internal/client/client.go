// Package client submits jobs to a relay server and collects their results.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/envelope"
)

// JobSpec describes a job assembled on the command line.
type JobSpec struct {
	// Preset is a YAML or JSON file with tool settings and outputs. Optional.
	Preset string
	// Inputs maps layer names to Gerber files.
	Inputs map[string]string
	// Outputs are appended to the outputs of the preset.
	Outputs []string
	// Archive asks the server for a single archive instead of one entry per file.
	Archive bool
	Debug   bool
}

// Build assembles and validates the job configuration. It returns the parsed configuration
// and its JSON encoding, which keeps every preset key.
func (s JobSpec) Build() (*domain.JobConfig, []byte, error) {
	doc := map[string]any{}
	if s.Preset != "" {
		data, err := os.ReadFile(s.Preset)
		if err != nil {
			return nil, nil, fmt.Errorf("reading preset: %w", err)
		}
		// YAML is a superset of JSON, one decoder serves both.
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("parsing preset %s: %w", s.Preset, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	inputs, _ := doc["inputs"].(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}
	layers := make([]string, 0, len(s.Inputs))
	for layer := range s.Inputs {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	for _, layer := range layers {
		data, err := os.ReadFile(s.Inputs[layer])
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s layer: %w", layer, err)
		}
		inputs[layer] = string(data)
	}
	doc["inputs"] = inputs

	if len(s.Outputs) > 0 {
		outputs, _ := doc["outputs"].([]any)
		for _, file := range s.Outputs {
			outputs = append(outputs, map[string]any{"file": file})
		}
		doc["outputs"] = outputs
	}
	if s.Debug {
		doc["debug"] = true
	}
	if s.Archive {
		doc["rp2g"] = map[string]any{"output": string(domain.PackagingArchive)}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding job: %w", err)
	}
	cfg, err := domain.ParseJobConfig(payload)
	if err != nil {
		return nil, nil, err
	}
	return cfg, payload, nil
}

// Result is what the server sent back for a job.
type Result struct {
	// Files holds the decoded envelope entries. Nil when no envelope was received.
	Files     map[string][]byte
	CloseCode int
	CloseText string
}

// Succeeded reports whether the server closed the job as successful.
func (r *Result) Succeeded() bool {
	return r.CloseCode == websocket.CloseNormalClosure && r.Files != nil
}

// Submit sends the job payload to the server at url and waits for it to finish.
// Log messages are copied to logw as they arrive. With codec set, the payload is sent
// as a binary envelope instead of a text message.
func Submit(ctx context.Context, url string, payload []byte, codec envelope.Codec, logw io.Writer) (*Result, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	messageType, data := websocket.TextMessage, payload
	if codec != nil {
		messageType = websocket.BinaryMessage
		if data, err = codec.Encode(payload); err != nil {
			return nil, err
		}
	}
	if err := ws.WriteMessage(messageType, data); err != nil {
		return nil, fmt.Errorf("sending job: %w", err)
	}

	res := &Result{}
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				res.CloseCode, res.CloseText = closeErr.Code, closeErr.Text
				return res, nil
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("reading from server: %w", err)
		}
		switch mt {
		case websocket.TextMessage:
			_, _ = io.WriteString(logw, string(msg))
		case websocket.BinaryMessage:
			files, err := DecodeEnvelope(msg)
			if err != nil {
				return res, err
			}
			res.Files = files
		}
	}
}

// DecodeEnvelope decodes a result envelope into file contents.
func DecodeEnvelope(p []byte) (map[string][]byte, error) {
	entries, err := envelope.Unmarshal(p)
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(entries))
	for name, b64 := range entries {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}

// WriteFiles stores files in dir and returns the written paths in name order.
// Names are reduced to their base name so nothing is written outside dir.
func WriteFiles(dir string, files map[string][]byte) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		base := filepath.Base(filepath.Clean("/" + name))
		if base == "/" || base == "." {
			return written, fmt.Errorf("refusing to write %q", name)
		}
		path := filepath.Join(dir, base)
		if err := os.WriteFile(path, files[name], 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
