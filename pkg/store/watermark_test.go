package store

import (
	"errors"
	"testing"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
)

func TestWatermarks_PublishInOrder(t *testing.T) {
	w := newWatermarks(10)

	w.publish(14, 15)
	w.publish(13, 13)
	if got := w.Visible(); got != 10 {
		t.Fatalf("visible moved past a gap: %d", got)
	}
	w.publish(11, 12)
	if got := w.Visible(); got != 15 {
		t.Fatalf("expected visible 15, got %d", got)
	}
}

func TestWatermarks_Horizon(t *testing.T) {
	w := newWatermarks(5)

	wm, release, err := w.acquire(3)
	if err != nil || wm != 3 {
		t.Fatalf("acquire(3) = %d, %v", wm, err)
	}
	if wm, rel, err := w.acquire(0); err != nil || wm != 5 {
		t.Fatalf("acquire(0) = %d, %v", wm, err)
	} else {
		rel()
	}
	if wm, rel, err := w.acquire(99); err != nil || wm != 5 {
		t.Fatalf("acquire(99) = %d, %v", wm, err)
	} else {
		rel()
	}

	if got := w.safe(); got != 3 {
		t.Fatalf("expected safe 3 while a reader holds it, got %d", got)
	}
	release()
	release()
	if got := w.safe(); got != 5 {
		t.Fatalf("expected safe 5, got %d", got)
	}

	if _, _, err := w.acquire(4); !errors.Is(err, dberrors.ErrStaleWatermark) {
		t.Fatalf("expected ErrStaleWatermark, got %v", err)
	}
}
