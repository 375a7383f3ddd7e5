package directory

import (
	"context"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		host, path, want string
	}{
		{"Example.COM", "/api/v1", "example.com/api/v1"},
		{"example.com", "", "example.com/"},
		{"example.com", "/", "example.com/"},
		{"example.com", "/trailing/", "example.com/trailing"},
		{"example.com", "noleadingslash", "example.com/noleadingslash"},
	}
	for _, c := range cases {
		if got := Canonicalize(c.host, c.path); got != c.want {
			t.Errorf("Canonicalize(%q, %q) = %q, want %q", c.host, c.path, got, c.want)
		}
	}
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(map[string][]string{
		"did:example:1": {"example.com/api"},
	})

	urls, err := d.ServicesForDID(context.Background(), "did:example:1")
	if err != nil {
		t.Fatalf("ServicesForDID: %v", err)
	}
	if len(urls) != 1 || urls[0] != "example.com/api" {
		t.Fatalf("ServicesForDID returned %v", urls)
	}

	urls, err = d.ServicesForDID(context.Background(), "did:example:unknown")
	if err != nil {
		t.Fatalf("ServicesForDID: %v", err)
	}
	if len(urls) != 0 {
		t.Fatalf("expected empty result for unknown DID, got %v", urls)
	}

	d.Set("did:example:2", []string{"example.com/other"})
	urls, _ = d.ServicesForDID(context.Background(), "did:example:2")
	if len(urls) != 1 || urls[0] != "example.com/other" {
		t.Fatalf("Set did not take effect: %v", urls)
	}
}

func TestStaticDirectoryIsolatesCallerSlices(t *testing.T) {
	entries := map[string][]string{"did:example:1": {"a", "b"}}
	d := NewStaticDirectory(entries)
	entries["did:example:1"][0] = "mutated"

	urls, _ := d.ServicesForDID(context.Background(), "did:example:1")
	if urls[0] != "a" {
		t.Fatalf("directory was affected by mutation of caller's map: %v", urls)
	}
}
