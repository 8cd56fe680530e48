package devtable

import "testing"

func TestAddAndLookup(t *testing.T) {
	tab := New()
	d := Device{Name: "uart0", PhysBase: 0x10000000, Size: 0x1000, IRQ: 4, HasIRQ: true}
	if err := tab.Add(d); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := tab.Lookup("uart0")
	if !ok {
		t.Fatal("expected to find uart0")
	}
	if got != d {
		t.Fatalf("got %+v, want %+v", got, d)
	}
}

func TestLookupExactNameOnly(t *testing.T) {
	tab := New()
	if err := tab.Add(Device{Name: "uart0x"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, ok := tab.Lookup("uart0"); ok {
		t.Fatal("prefix match should not be found")
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	tab := New()
	d := Device{Name: "uart0"}
	if err := tab.Add(d); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tab.Add(d); err != ErrAlreadyExists {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestNamesOrder(t *testing.T) {
	tab := New()
	_ = tab.Add(Device{Name: "a"})
	_ = tab.Add(Device{Name: "b"})
	names := tab.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("got %v", names)
	}
}
