package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/envelope"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestJobSpec_Build(t *testing.T) {
	dir := t.TempDir()
	preset := write(t, dir, "preset.yaml", `
ppmm: 40
tools:
  - diameter: 0.8
outputs:
  - file: front.gcode
    mirror: false
`)
	top := write(t, dir, "top.gbr", "G04 top*%")

	cfg, payload, err := JobSpec{
		Preset:  preset,
		Inputs:  map[string]string{"top": top},
		Outputs: []string{"drill.gcode"},
		Archive: true,
	}.Build()
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"top": "G04 top*%"}, cfg.Inputs)
	require.Len(t, cfg.Outputs, 2)
	assert.Equal(t, "front.gcode", cfg.Outputs[0].File)
	assert.Equal(t, false, cfg.Outputs[0].Extra["mirror"])
	assert.Equal(t, "drill.gcode", cfg.Outputs[1].File)
	assert.Equal(t, domain.PackagingArchive, cfg.Packaging())
	assert.Contains(t, string(payload), `"ppmm":40`)
}

func TestJobSpec_BuildRejectsMissingOutputs(t *testing.T) {
	top := write(t, t.TempDir(), "top.gbr", "G04*%")

	_, _, err := JobSpec{Inputs: map[string]string{"top": top}}.Build()

	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func fakeServer(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubmit(t *testing.T) {
	received := make(chan []byte, 1)
	url := fakeServer(t, func(ws *websocket.Conn) {
		mt, data, err := ws.ReadMessage()
		if err != nil || mt != websocket.BinaryMessage {
			return
		}
		received <- data
		_ = ws.WriteMessage(websocket.TextMessage, []byte("Server received job.\n"))
		env, _ := envelope.Marshal(envelope.Identity{}, map[string]string{
			"out.gcode": base64.StdEncoding.EncodeToString([]byte("G0")),
		})
		_ = ws.WriteMessage(websocket.BinaryMessage, env)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "succeeded"), time.Now().Add(time.Second))
	})

	var logs bytes.Buffer
	res, err := Submit(context.Background(), url, []byte(`{"inputs":{}}`), envelope.Deflate{}, &logs)
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.Equal(t, "succeeded", res.CloseText)
	assert.Equal(t, []byte("G0"), res.Files["out.gcode"])
	assert.Equal(t, "Server received job.\n", logs.String())

	body, err := envelope.Open(<-received)
	require.NoError(t, err)
	assert.Equal(t, `{"inputs":{}}`, string(body))
}

func TestSubmit_Failed(t *testing.T) {
	url := fakeServer(t, func(ws *websocket.Conn) {
		_, _, _ = ws.ReadMessage()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "failed: exit status 1"), time.Now().Add(time.Second))
	})

	res, err := Submit(context.Background(), url, []byte(`{}`), nil, &bytes.Buffer{})
	require.NoError(t, err)

	assert.False(t, res.Succeeded())
	assert.Equal(t, 4001, res.CloseCode)
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()

	paths, err := WriteFiles(dir, map[string][]byte{
		"out.gcode":   []byte("G0"),
		"../evil.txt": []byte("x"),
		"config.p2g":  []byte("inputs: {}"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "evil.txt"),
		filepath.Join(dir, "config.p2g"),
		filepath.Join(dir, "out.gcode"),
	}, paths)
	assert.FileExists(t, filepath.Join(dir, "evil.txt"))
}
