package ramfs

import "testing"

func TestAddAndGet(t *testing.T) {
	fs := New()
	fs.Add("config.alph", []byte("hello"))

	data, err := fs.Get("config.alph")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
}

func TestGetStripsRamfsScheme(t *testing.T) {
	fs := New()
	fs.Add("greth", []byte("image"))

	data, err := fs.Get("ramfs:/greth")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "image" {
		t.Fatalf("got %q, want %q", data, "image")
	}
}

func TestGetMissingReturnsError(t *testing.T) {
	fs := New()
	if _, err := fs.Get("nope"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNamesListsEveryFile(t *testing.T) {
	fs := New()
	fs.Add("a", []byte("1"))
	fs.Add("b", []byte("2"))
	names := fs.Names()
	if len(names) != 2 {
		t.Fatalf("got %d names, want 2", len(names))
	}
}
