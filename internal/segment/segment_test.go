//go:build linux

package segment

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"adds leading slash", "orders", "/orders", nil},
		{"keeps existing slash", "/orders", "/orders", nil},
		{"rejects empty", "", "", ErrEmptyName},
		{"rejects slash-only", "/", "", ErrEmptyName},
		{"rejects embedded slash", "a/b", "", ErrNameHasSlash},
		{"rejects too long", strings.Repeat("x", NameMaxLen+1), "", ErrNameTooLong},
		{"allows max length", strings.Repeat("x", NameMaxLen), "/" + strings.Repeat("x", NameMaxLen), nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := NormalizeName(c.in)
			if c.wantErr != nil {
				if err == nil || !strings.Contains(err.Error(), c.wantErr.Error()) {
					t.Fatalf("NormalizeName(%q) error = %v, want wrapping %v", c.in, err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeName(%q) unexpected error: %v", c.in, err)
			}
			if got != c.want {
				t.Fatalf("NormalizeName(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

// testHeaderLen stands in for internal/ring.HeaderSize() here so this
// package's tests don't need to import internal/ring. Real callers
// always get a page-aligned value from HeaderSize(); mmapFixed requires
// it (see mapDouble), so this must be page-aligned too.
var testHeaderLen = unix.Getpagesize()

func testName(t *testing.T) string {
	raw := "hqtest_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	if len(raw) > NameMaxLen {
		raw = raw[:NameMaxLen]
	}
	name, err := NormalizeName(raw)
	if err != nil {
		t.Fatalf("NormalizeName: %v", err)
	}
	return name
}

func TestCreateAttachRoundTrip(t *testing.T) {
	name := testName(t)
	t.Cleanup(func() { Unlink(name) })

	seg, creator, err := Create(name, testHeaderLen, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !creator {
		t.Fatal("expected first Create to be the creator")
	}
	copy(seg.HeaderBytes(), []byte("hello header"))
	copy(seg.RingBytes(), []byte("hello ring"))
	if err := Close(seg); err != nil {
		t.Fatalf("Close: %v", err)
	}

	seg2, err := Attach(name, testHeaderLen)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer Close(seg2)

	if got := string(seg2.HeaderBytes()[:len("hello header")]); got != "hello header" {
		t.Fatalf("header not persisted: got %q", got)
	}
	if got := string(seg2.RingBytes()[:len("hello ring")]); got != "hello ring" {
		t.Fatalf("ring data not persisted: got %q", got)
	}
	if seg2.Capacity() != 4096 {
		t.Fatalf("Capacity() = %d, want 4096", seg2.Capacity())
	}
}

func TestCreateExistingAttaches(t *testing.T) {
	name := testName(t)
	t.Cleanup(func() { Unlink(name) })

	seg1, creator1, err := Create(name, testHeaderLen, 8192)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	defer Close(seg1)
	if !creator1 {
		t.Fatal("first Create should report creator = true")
	}

	seg2, creator2, err := Create(name, testHeaderLen, 8192)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	defer Close(seg2)
	if creator2 {
		t.Fatal("second Create should report creator = false")
	}
	if seg2.Capacity() != seg1.Capacity() {
		t.Fatalf("capacity mismatch: %d vs %d", seg2.Capacity(), seg1.Capacity())
	}
}

func TestAttachMissingFails(t *testing.T) {
	name, err := NormalizeName("hqtest_does_not_exist_xyz")
	if err != nil {
		t.Fatalf("NormalizeName: %v", err)
	}
	if _, err := Attach(name, testHeaderLen); err == nil {
		t.Fatal("Attach on a nonexistent segment should fail")
	}
}

// TestDoubleMappingWraps verifies the defining property of the double
// mapping: a write that straddles the copy boundary reads back
// contiguously, and a write to the second copy of the ring region is
// visible through the first copy at the same relative offset.
func TestDoubleMappingWraps(t *testing.T) {
	name := testName(t)
	t.Cleanup(func() { Unlink(name) })

	const capacity = 4096
	seg, _, err := Create(name, testHeaderLen, capacity)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Close(seg)

	ring := seg.RingBytes()
	if len(ring) != 2*capacity {
		t.Fatalf("RingBytes length = %d, want %d", len(ring), 2*capacity)
	}

	ring[capacity-3] = 'a'
	ring[capacity-2] = 'b'
	ring[capacity-1] = 'c'
	ring[capacity+0] = 'd'
	ring[capacity+1] = 'e'

	if got := string(ring[capacity-3 : capacity+2]); got != "abcde" {
		t.Fatalf("contiguous wrap read = %q, want %q", got, "abcde")
	}
	// The head of copy two aliases the head of copy one.
	if ring[0] != 'd' || ring[1] != 'e' {
		t.Fatalf("second-copy write not visible in first copy: %q", ring[:2])
	}
}
