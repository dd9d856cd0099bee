package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/config"
	"github.com/CyberFlameGO/ceresdb/pkg/metrics"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/retry"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/store"
)

type rawResponse struct {
	Status Status          `json:"status"`
	Seq    uint64          `json:"seq"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func newTestServer(t *testing.T) (*Server, *store.Engine) {
	t.Helper()

	cfg := config.Default().DB
	cfg.ObjectStore = objstore.Config{Kind: "memory"}
	cfg.Memtable.FlushInterval = 0
	cfg.Compaction.Disabled = true
	cfg.Retry = retry.Policy{MinInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 2}
	cfg.WAL.Retry = cfg.Retry

	reg := metrics.NewRegistry()
	e, err := store.Open(context.Background(), cfg, nil, store.WithMetrics(reg))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	s, err := schema.NewBuilder().
		AutoIncrementColumnID(true).
		AddKeyColumn(schema.ColumnSchema{Name: "host", Kind: schema.KindString}).
		AddKeyColumn(schema.ColumnSchema{Name: "ts", Kind: schema.KindTimestamp}).
		AddNormalColumn(schema.ColumnSchema{Name: "usage", Kind: schema.KindDouble, Nullable: true}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := e.OpenTable(context.Background(), "cpu", s); err != nil {
		t.Fatalf("OpenTable failed: %v", err)
	}

	return NewServer(e, reg, config.ServerConfig{}, nil), e
}

func do(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, rawResponse) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	var resp rawResponse
	if strings.HasPrefix(rr.Header().Get("Content-Type"), contentTypeJSON) {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
		}
	}
	return rr, resp
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rr, resp := do(t, s, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestWriteGetDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)

	rr, resp := do(t, s, http.MethodPost, "/tables/cpu/rows",
		`{"rows":[{"host":"a","ts":1,"usage":0.5},{"host":"b","ts":1,"usage":1.5}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("write: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp.Seq != 2 {
		t.Fatalf("write: expected seq 2, got %d", resp.Seq)
	}

	rr, resp = do(t, s, http.MethodGet, "/tables/cpu/rows?host=a&ts=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var rec RecordView
	if err := json.Unmarshal(resp.Data, &rec); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Seq != 1 || rec.Row["usage"] != 0.5 {
		t.Fatalf("get: unexpected record %+v", rec)
	}

	rr, _ = do(t, s, http.MethodDelete, "/tables/cpu/rows", `{"rows":[{"host":"a","ts":1}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, _ = do(t, s, http.MethodGet, "/tables/cpu/rows?host=a&ts=1", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}

	// the old version stays readable at its watermark
	rr, _ = do(t, s, http.MethodGet, "/tables/cpu/rows?host=a&ts=1&watermark=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pinned get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestScanRows(t *testing.T) {
	s, _ := newTestServer(t)

	do(t, s, http.MethodPost, "/tables/cpu/rows",
		`{"rows":[{"host":"a","ts":1},{"host":"a","ts":2},{"host":"b","ts":3,"usage":2}]}`)

	tests := []struct {
		name  string
		query string
		want  int
		more  bool
	}{
		{name: "all", query: "", want: 3},
		{name: "time range", query: "?from=2&to=3", want: 1},
		{name: "limit", query: "?limit=2", want: 2, more: true},
		{name: "watermark", query: "?watermark=1", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, resp := do(t, s, http.MethodGet, "/tables/cpu/rows"+tt.query, "")
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
			}
			var res ScanResult
			if err := json.Unmarshal(resp.Data, &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(res.Rows) != tt.want || res.More != tt.more {
				t.Fatalf("expected %d rows (more=%v), got %d (more=%v)", tt.want, tt.more, len(res.Rows), res.More)
			}
		})
	}
}

func TestFlushAndSegments(t *testing.T) {
	s, e := newTestServer(t)

	do(t, s, http.MethodPost, "/tables/cpu/rows", `{"rows":[{"host":"a","ts":1,"usage":1}]}`)

	rr, _ := do(t, s, http.MethodPost, "/tables/cpu/flush", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("flush: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, resp := do(t, s, http.MethodGet, "/tables/cpu/segments", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("segments: expected 200, got %d", rr.Code)
	}
	var segs []json.RawMessage
	if err := json.Unmarshal(resp.Data, &segs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}

	tbl, _ := e.Table("cpu")
	if st := tbl.Stats(); st.FlushedSeq != 1 {
		t.Fatalf("expected flushed seq 1, got %d", st.FlushedSeq)
	}

	rr, _ = do(t, s, http.MethodPost, "/tables/cpu/compact", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("compact: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr, _ = do(t, s, http.MethodGet, "/metrics", "")
	if !bytes.Contains(rr.Body.Bytes(), []byte(`ceresdb_rows_written_total{table="cpu"} 1`)) {
		t.Fatalf("metrics missing write counter:\n%s", rr.Body.String())
	}
}

func TestErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{name: "unknown table", method: http.MethodGet, target: "/tables/mem/stats", want: http.StatusNotFound},
		{name: "bad json", method: http.MethodPost, target: "/tables/cpu/rows", body: `{"rows":`, want: http.StatusBadRequest},
		{name: "unknown column", method: http.MethodPost, target: "/tables/cpu/rows", body: `{"rows":[{"host":"a","ts":1,"disk":1}]}`, want: http.StatusBadRequest},
		{name: "null key", method: http.MethodPost, target: "/tables/cpu/rows", body: `{"rows":[{"host":"a"}]}`, want: http.StatusBadRequest},
		{name: "wrong type", method: http.MethodPost, target: "/tables/cpu/rows", body: `{"rows":[{"host":1,"ts":1}]}`, want: http.StatusBadRequest},
		{name: "no rows", method: http.MethodPost, target: "/tables/cpu/rows", body: `{"rows":[]}`, want: http.StatusBadRequest},
		{name: "bad watermark", method: http.MethodGet, target: "/tables/cpu/rows?watermark=x", want: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, target: "/tables/cpu/rows?limit=0", want: http.StatusBadRequest},
		{name: "not quarantined", method: http.MethodPost, target: "/tables/cpu/quarantine/7/drop", want: http.StatusNotFound},
		{name: "bad action", method: http.MethodPost, target: "/tables/cpu/quarantine/7/burn", want: http.StatusBadRequest},
		{name: "bad id", method: http.MethodPost, target: "/tables/cpu/quarantine/x/drop", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, resp := do(t, s, tt.method, tt.target, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
			if resp.Status != StatusError {
				t.Fatalf("expected status %s, got %s", StatusError, resp.Status)
			}
		})
	}
}

func TestTablesList(t *testing.T) {
	s, _ := newTestServer(t)

	rr, resp := do(t, s, http.MethodGet, "/tables", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats []store.Stats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 1 || stats[0].Name != "cpu" {
		t.Fatalf("unexpected tables %+v", stats)
	}

	rr, _ = do(t, s, http.MethodGet, "/tables/cpu/quarantine", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("quarantine: expected 200, got %d", rr.Code)
	}
}
