package injector

import "testing"

func TestEvdevCodeForKeyNamedKeys(t *testing.T) {
	cases := map[string]int{
		"Enter":     28,
		"Escape":    1,
		"Backspace": 14,
		"Tab":       15,
		" ":         57,
	}
	for key, want := range cases {
		got, ok := evdevCodeForKey(key)
		if !ok {
			t.Fatalf("evdevCodeForKey(%q) not found", key)
		}
		if got != want {
			t.Fatalf("evdevCodeForKey(%q) = %d, want %d", key, got, want)
		}
	}
}

func TestEvdevCodeForKeyIsCaseInsensitiveForLetters(t *testing.T) {
	lower, ok := evdevCodeForKey("a")
	if !ok {
		t.Fatal("expected 'a' to resolve")
	}
	upper, ok := evdevCodeForKey("A")
	if !ok {
		t.Fatal("expected 'A' to resolve")
	}
	if lower != upper {
		t.Fatalf("case mismatch: 'a'=%d 'A'=%d", lower, upper)
	}
}

func TestEvdevCodeForKeyUnknownReturnsFalse(t *testing.T) {
	if _, ok := evdevCodeForKey("F13"); ok {
		t.Fatal("expected F13 to be unrecognized")
	}
}

func TestEvdevCodeForKeyPunctuation(t *testing.T) {
	got, ok := evdevCodeForKey(",")
	if !ok || got != 51 {
		t.Fatalf("evdevCodeForKey(\",\") = %d,%v, want 51,true", got, ok)
	}
}
