package cryptoutil

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func TestSHA256Hex_KnownVectors(t *testing.T) {
	cases := map[string]string{
		"":            "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"hello world": "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
	}
	for in, want := range cases {
		if got := SHA256Hex([]byte(in)); got != want {
			t.Errorf("SHA256Hex(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestHashEqual(t *testing.T) {
	h := SHA256Hex([]byte("x"))
	cases := []struct {
		a, b string
		want bool
	}{
		{h, h, true},
		{h, strings.Clone(h), true},
		{"", "", true},
		{h, "", false},
		{h, strings.ToUpper(h), false},
		{h, h[:12], false},
	}
	for _, tc := range cases {
		if got := HashEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("HashEqual(%.12q, %.12q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestReadAllSHA256(t *testing.T) {
	payload := []byte("sample payload")

	data, sum, err := ReadAllSHA256(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("at limit: %v", err)
	}
	if !bytes.Equal(data, payload) || sum != SHA256Hex(payload) {
		t.Fatal("data or digest mismatch")
	}

	if _, _, err := ReadAllSHA256(bytes.NewReader(payload), int64(len(payload))-1); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: err = %v, want ErrTooLarge", err)
	}

	if _, _, err := ReadAllSHA256(bytes.NewReader(payload), 0); err != nil {
		t.Fatalf("unlimited: %v", err)
	}

	boom := errors.New("boom")
	if _, _, err := ReadAllSHA256(iotest.ErrReader(boom), 10); !errors.Is(err, boom) {
		t.Fatalf("reader error: err = %v", err)
	}
}

func FuzzHashEqual(f *testing.F) {
	f.Add("abc", "abc")
	f.Add("abc", "abd")
	f.Fuzz(func(t *testing.T, a, b string) {
		if HashEqual(a, b) != (a == b) {
			t.Fatalf("HashEqual(%q, %q) disagrees with ==", a, b)
		}
	})
}
