package store

import (
	"testing"
)

// add stores value under key in s, failing the test on any error.
func add(t *testing.T, s Store, key, value string) {
	t.Helper()
	w, err := s.Create(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(value)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}
