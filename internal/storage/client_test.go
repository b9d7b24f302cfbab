package storage

import "testing"

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000", Bucket: " "}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestNewClientKeepsBucket(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "localhost:9000", Access: "a", Secret: "s", Bucket: "sheets"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.Bucket() != "sheets" {
		t.Fatalf("bucket = %q", c.Bucket())
	}
}
