package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient(t *testing.T) {
	s, e := newTestServer(t)
	httpServer := httptest.NewServer(s.createRouter())
	defer httpServer.Close()

	c := NewClient(httpServer.URL)
	ctx := context.Background()

	t.Run("write and get", func(t *testing.T) {
		seq, err := c.Write(ctx, "cpu", []map[string]any{
			{"host": "a", "ts": 10, "usage": 0.25},
			{"host": "b", "ts": 10},
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if seq != 2 {
			t.Fatalf("expected seq 2, got %d", seq)
		}

		rec, found, err := c.Get(ctx, "cpu", map[string]string{"host": "a", "ts": "10"}, 0)
		if err != nil || !found {
			t.Fatalf("Get = %v, %v", found, err)
		}
		if rec.Row["usage"] != 0.25 || rec.Row["host"] != "a" {
			t.Fatalf("unexpected row %+v", rec.Row)
		}

		rec, found, err = c.Get(ctx, "cpu", map[string]string{"host": "b", "ts": "10"}, 0)
		if err != nil || !found || rec.Row["usage"] != nil {
			t.Fatalf("expected a null usage, got %+v (%v, %v)", rec.Row, found, err)
		}
	})

	t.Run("flush and scan", func(t *testing.T) {
		if err := c.Flush(ctx, "cpu"); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		tbl, _ := e.Table("cpu")
		if n := len(tbl.Segments()); n != 1 {
			t.Fatalf("expected 1 segment, got %d", n)
		}

		res, err := c.Scan(ctx, "cpu", ScanOptions{})
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if len(res.Rows) != 2 || res.Watermark != 2 {
			t.Fatalf("unexpected scan %+v", res)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if _, err := c.Delete(ctx, "cpu", []map[string]any{{"host": "a", "ts": 10}}); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		_, found, err := c.Get(ctx, "cpu", map[string]string{"host": "a", "ts": "10"}, 0)
		if err != nil || found {
			t.Fatalf("expected a deleted row, got %v, %v", found, err)
		}
	})

	t.Run("errors", func(t *testing.T) {
		_, err := c.Write(ctx, "missing", []map[string]any{{"host": "a"}})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Fatalf("expected a 404 APIError, got %v", err)
		}

		err = c.ResolveQuarantine(ctx, "cpu", 42, true)
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Fatalf("expected a 404 APIError, got %v", err)
		}
	})
}
