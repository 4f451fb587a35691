package concolic_test

import (
	"testing"

	concolic "github.com/McSinyx/klee-concolic"
)

func TestIsSymArg(t *testing.T) {
	for _, tt := range []struct {
		name string
		want bool
	}{
		{"arg00", true},
		{"arg13", true},
		{"arg1", false},
		{"arg001", false},
		{"out!0!a", false},
		{"", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := concolic.IsSymArg(tt.name); got != tt.want {
				t.Fatalf("IsSymArg(%q)=%v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsSymOut(t *testing.T) {
	for _, tt := range []struct {
		name string
		want bool
	}{
		{"out!0!a", false},
		{"out!result!0", true},
		{"out!0", true},
		{"out!", false},
		{"arg00", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := concolic.IsSymOut(tt.name); got != tt.want {
				t.Fatalf("IsSymOut(%q)=%v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestDifferentiator_String(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		d := concolic.NewDifferentiator(1, 2)
		d.AddArgument(0, []byte("x"))
		if err := d.AddOutput("out!0!a", 1, []byte{0x01}); err != nil {
			t.Fatal(err)
		}
		if err := d.AddOutput("out!0!a", 2, []byte{0x02}); err != nil {
			t.Fatal(err)
		}

		want := `{("x") {:out!0!a {1 \x01 2 \x02}}}`
		if got := d.String(); got != want {
			t.Fatalf("unexpected render:\ngot  %s\nwant %s", got, want)
		}
	})

	t.Run("InsertionOrderPreserved", func(t *testing.T) {
		// Outputs render in first-added order, not lexical order.
		d := concolic.NewDifferentiator(1, 2)
		if err := d.AddOutput("out!z!9", 1, []byte{0xff}); err != nil {
			t.Fatal(err)
		}
		if err := d.AddOutput("out!a!0", 1, []byte{0x00}); err != nil {
			t.Fatal(err)
		}
		if err := d.AddOutput("out!z!9", 2, []byte{0xfe}); err != nil {
			t.Fatal(err)
		}
		if err := d.AddOutput("out!a!0", 2, []byte{0x01}); err != nil {
			t.Fatal(err)
		}

		want := `{() {:out!z!9 {1 \xff 2 \xfe} :out!a!0 {1 \x00 2 \x01}}}`
		if got := d.String(); got != want {
			t.Fatalf("unexpected render:\ngot  %s\nwant %s", got, want)
		}
	})

	t.Run("ArgumentsInIndexOrder", func(t *testing.T) {
		d := concolic.NewDifferentiator(3, 4)
		d.AddArgument(2, []byte("c"))
		d.AddArgument(0, []byte("a"))
		d.AddArgument(1, []byte("b"))

		want := `{("a" "b" "c") {}}`
		if got := d.String(); got != want {
			t.Fatalf("unexpected render:\ngot  %s\nwant %s", got, want)
		}
	})

	t.Run("ArgumentOverwrite", func(t *testing.T) {
		d := concolic.NewDifferentiator(1, 2)
		d.AddArgument(0, []byte("old"))
		d.AddArgument(0, []byte("new"))

		want := `{("new") {}}`
		if got := d.String(); got != want {
			t.Fatalf("unexpected render:\ngot  %s\nwant %s", got, want)
		}
	})

	t.Run("ArgumentEscaping", func(t *testing.T) {
		d := concolic.NewDifferentiator(1, 2)
		d.AddArgument(0, []byte(`a"b\c`))

		want := `{("a\"b\\c") {}}`
		if got := d.String(); got != want {
			t.Fatalf("unexpected render:\ngot  %s\nwant %s", got, want)
		}
	})

	t.Run("HexLowercase", func(t *testing.T) {
		d := concolic.NewDifferentiator(1, 2)
		if err := d.AddOutput("out!0", 1, []byte{0xab, 0xcd}); err != nil {
			t.Fatal(err)
		}

		want := `{() {:out!0 {1 \xab\xcd 2 }}}`
		if got := d.String(); got != want {
			t.Fatalf("unexpected render:\ngot  %s\nwant %s", got, want)
		}
	})

	t.Run("StableAcrossRenders", func(t *testing.T) {
		d := concolic.NewDifferentiator(1, 2)
		d.AddArgument(0, []byte("x"))
		if err := d.AddOutput("out!0", 1, []byte{0x01}); err != nil {
			t.Fatal(err)
		}
		if d.String() != d.String() {
			t.Fatal("expected stable rendering")
		}
	})
}

func TestDifferentiator_AddOutput(t *testing.T) {
	t.Run("UnknownRevision", func(t *testing.T) {
		d := concolic.NewDifferentiator(1, 2)
		if err := d.AddOutput("out!0", 3, []byte{0x01}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("Revisions", func(t *testing.T) {
		d := concolic.NewDifferentiator(7, 9)
		if d.RevA() != 7 || d.RevB() != 9 {
			t.Fatalf("unexpected revisions: %d %d", d.RevA(), d.RevB())
		}
	})
}

func TestDifferentiator_AddStdout(t *testing.T) {
	d := concolic.NewDifferentiator(1, 2)

	if err := d.AddStdout(1, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := d.Stdout(1); string(got) != "hello" {
		t.Fatalf("unexpected stdout: %q", got)
	}
	if got := d.Stdout(2); got != nil {
		t.Fatalf("unexpected stdout: %q", got)
	}

	if err := d.AddStdout(3, []byte("nope")); err == nil {
		t.Fatal("expected error")
	}
}
