package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestCaseKey(t *testing.T) {
	got := CaseKey("sunrise", "case-1", "discharge.pdf")
	want := "clinics/sunrise/cases/case-1/discharge.pdf"
	if got != want {
		t.Errorf("CaseKey = %q, want %q", got, want)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	key := CaseKey("sunrise", "case-1", "discharge.pdf")
	info, err := m.Put(ctx, key, "application/pdf", strings.NewReader("%PDF-1.4 fake"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != int64(len("%PDF-1.4 fake")) || info.ContentType != "application/pdf" {
		t.Errorf("info = %+v", info)
	}

	rc, got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "%PDF-1.4 fake" {
		t.Errorf("content = %q", data)
	}
	if got.Key != key {
		t.Errorf("info key = %q", got.Key)
	}

	ok, err := m.Exists(ctx, key)
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
}

func TestMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete missing = %v, want ErrNotFound", err)
	}
	if ok, _ := m.Exists(ctx, "missing"); ok {
		t.Error("Exists on missing key")
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	key := CaseKey("sunrise", "case-1", "notes.txt")
	if _, err := m.Put(ctx, key, "text/plain", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := m.Exists(ctx, key); ok {
		t.Error("blob still exists after delete")
	}
}

func TestMemoryListByPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	keys := []string{
		CaseKey("sunrise", "case-1", "discharge.pdf"),
		CaseKey("sunrise", "case-1", "notes.txt"),
		CaseKey("sunrise", "case-2", "discharge.pdf"),
		CaseKey("lakeside", "case-9", "discharge.pdf"),
	}
	for _, k := range keys {
		if _, err := m.Put(ctx, k, "application/octet-stream", strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}

	got, err := m.List(ctx, "clinics/sunrise/cases/case-1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d blobs, want 2", len(got))
	}
	// Sorted by key.
	if got[0].Key != keys[0] || got[1].Key != keys[1] {
		t.Errorf("keys = %v, %v", got[0].Key, got[1].Key)
	}

	all, _ := m.List(ctx, "clinics/sunrise/")
	if len(all) != 3 {
		t.Errorf("clinic-wide list = %d, want 3", len(all))
	}
}

func TestMemoryPutRejectsOversize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	huge := bytes.NewReader(make([]byte, MaxBlobSize+1))
	if _, err := m.Put(ctx, "big", "application/octet-stream", huge); err == nil {
		t.Error("oversize put should fail")
	}
	if _, err := m.Put(ctx, "", "text/plain", strings.NewReader("x")); err == nil {
		t.Error("empty key should fail")
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := CaseKey("sunrise", "case-1", "discharge.pdf")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Put(ctx, key, "application/pdf", strings.NewReader("v"))
				if rc, _, err := m.Get(ctx, key); err == nil {
					io.Copy(io.Discard, rc)
					rc.Close()
				}
			}
		}()
	}
	wg.Wait()

	if ok, _ := m.Exists(ctx, key); !ok {
		t.Error("blob lost after concurrent writes")
	}
}
