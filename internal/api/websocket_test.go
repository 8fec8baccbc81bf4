package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-analyzer/backend/internal/ingest"
	"github.com/lab-analyzer/backend/internal/models"
	"github.com/lab-analyzer/backend/internal/testutil"
)

func dialStatus(t *testing.T, server *httptest.Server, id, user string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/experiments/" + id + "/ws"
	header := http.Header{}
	header.Set(HeaderPrincipalID, user)
	return websocket.DefaultDialer.Dial(url, header)
}

func readStatus(t *testing.T, ws *websocket.Conn) WSStatusMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSStatusMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestStatusStream_ProcessingToCompleted(t *testing.T) {
	ts := newTestServer(t, ingest.Options{})
	block := make(chan struct{})
	ts.analyzer.Block = block

	server := httptest.NewServer(ts.e)
	defer server.Close()

	rec := ts.do(uploadRequest(t, "sample.csv", []byte(testutil.SampleCSV)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	ws, _, err := dialStatus(t, server, resp.ExperimentID, "alice")
	require.NoError(t, err)
	defer ws.Close()

	first := readStatus(t, ws)
	assert.Equal(t, MsgTypeStatus, first.Type)
	assert.Equal(t, resp.ExperimentID, first.ExperimentID)
	assert.Equal(t, models.StatusProcessing, first.Status)

	close(block)

	last := readStatus(t, ws)
	assert.Equal(t, models.StatusCompleted, last.Status)

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStatusStream_AlreadyTerminal(t *testing.T) {
	ts := newTestServer(t, ingest.Options{})
	id := ts.uploadAndWait(t, "empty.csv", testutil.HeaderOnlyCSV)

	server := httptest.NewServer(ts.e)
	defer server.Close()

	ws, _, err := dialStatus(t, server, id, "alice")
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, models.StatusFailed, readStatus(t, ws).Status)
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStatusStream_RejectedBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t, ingest.Options{})
	id := ts.uploadAndWait(t, "sample.csv", testutil.SampleCSV)

	server := httptest.NewServer(ts.e)
	defer server.Close()

	_, httpResp, err := dialStatus(t, server, id, "mallory")
	require.Error(t, err)
	require.NotNil(t, httpResp)
	assert.Equal(t, http.StatusForbidden, httpResp.StatusCode)

	_, httpResp, err = dialStatus(t, server, "missing", "alice")
	require.Error(t, err)
	require.NotNil(t, httpResp)
	assert.Equal(t, http.StatusNotFound, httpResp.StatusCode)

	assert.Zero(t, ts.mgr.Events().Subscribers(id))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://lab.example.com/"})

	req := httptest.NewRequest(http.MethodGet, "http://api.internal/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://lab.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	req.Header.Set("Origin", "http://api.internal")
	assert.True(t, check(req), "same host")

	assert.True(t, originChecker(nil)(req))
}
