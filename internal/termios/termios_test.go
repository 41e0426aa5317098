package termios

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestIsCC_DisabledRoleNeverMatches(t *testing.T) {
	a := Default()
	if a.CC[VEOL] != 0 {
		t.Fatalf("default VEOL = %d, want 0", a.CC[VEOL])
	}
	if a.IsCC(0, VEOL) {
		t.Error("NUL matched a disabled role")
	}
	if !a.IsCC(0x03, VINTR) {
		t.Error("^C did not match VINTR")
	}
	if a.IsCC('c', VINTR) {
		t.Error("'c' matched VINTR")
	}
}

func TestDefault(t *testing.T) {
	a := Default()
	for _, flag := range []uint32{ISIG, ICANON, ECHO, ECHOE, IEXTEN} {
		if !a.LEnabled(flag) {
			t.Errorf("local flag %#o not set by default", flag)
		}
	}
	if !a.IEnabled(ICRNL) || !a.IEnabled(IXON) {
		t.Error("default input flags should include ICRNL|IXON")
	}
	if a.VMin() != 1 {
		t.Errorf("VMin = %d, want 1", a.VMin())
	}
	if ws := DefaultWindowSize(); ws.Rows != 24 || ws.Cols != 80 {
		t.Errorf("DefaultWindowSize = %+v", ws)
	}
}

func TestRaw(t *testing.T) {
	a := Raw(Default())
	if a.LEnabled(ICANON) || a.LEnabled(ECHO) || a.LEnabled(ISIG) {
		t.Errorf("raw attributes still canonical: lflag=%#o", a.Lflag)
	}
	if a.IEnabled(ICRNL) {
		t.Error("raw attributes still translate CR")
	}
	if a.VMin() != 1 {
		t.Errorf("VMin = %d, want 1", a.VMin())
	}
}

func TestApply(t *testing.T) {
	a, err := Apply(Default(), []string{"-icanon", "-echo", "min=3", "intr=^X", "eof=undef", "igncr"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a.LEnabled(ICANON) || a.LEnabled(ECHO) {
		t.Errorf("lflag = %#o, want icanon and echo cleared", a.Lflag)
	}
	if !a.IEnabled(IGNCR) {
		t.Error("igncr not set")
	}
	if a.VMin() != 3 {
		t.Errorf("VMin = %d, want 3", a.VMin())
	}
	if a.CC[VINTR] != 0x18 {
		t.Errorf("VINTR = %#x, want 0x18", a.CC[VINTR])
	}
	if a.CC[VEOF] != 0 {
		t.Errorf("VEOF = %#x, want undef", a.CC[VEOF])
	}

	a, err = Apply(a, []string{"erase=^h", "kill=^["})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a.CC[VERASE] != 0x08 || a.CC[VKILL] != 0x1b {
		t.Errorf("VERASE = %#x, VKILL = %#x; want 0x8, 0x1b", a.CC[VERASE], a.CC[VKILL])
	}
}

func TestApply_Errors(t *testing.T) {
	tests := [][]string{
		{"bogus"},
		{"nope=^C"},
		{"min=300"},
		{"intr=toolong"},
		{"intr=^1"},
		{"erase=^~"},
	}
	for _, words := range tests {
		if _, err := Apply(Default(), words); err == nil {
			t.Errorf("Apply(%q) succeeded, want error", words)
		}
	}
}

func TestFlagNames(t *testing.T) {
	a := Attributes{Iflag: ICRNL, Lflag: ICANON | ECHO}
	got := FlagNames(a)
	want := []string{"echo", "icanon", "icrnl"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlagNames = %v, want %v", got, want)
	}
}

func TestAttributesJSON(t *testing.T) {
	a := Default()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Attributes
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != a {
		t.Errorf("decoded %+v, want %+v", got, a)
	}
}
