package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

// TestRSPCode verifies the errno numbers used on the GDB wire.
func TestRSPCode(t *testing.T) {
	tests := []struct {
		err  *DebugError
		want uint8
	}{
		{NotHalted(0, "m"), 0x10},
		{InvalidParameter("addr", "zz", "hex"), 0x16},
		{FlashSequence("write before erase"), 0x16},
		{OutOfRange(0x1000, 4), 0x0e},
		{NoSuchCore(3, 1), 0x03},
		{HardwareLimit("breakpoint", 4), 0x1c},
		{Hardware("read", fmt.Errorf("boom")), 0x05},
		{Wrap("SOMETHING_ELSE", "x", "", nil), 0x01},
	}

	for _, tt := range tests {
		if got := tt.err.RSPCode(); got != tt.want {
			t.Errorf("%s: expected %#x, got %#x", tt.err.Code, tt.want, got)
		}
	}
}

// TestErrorMessage verifies the hint is appended to the message.
func TestErrorMessage(t *testing.T) {
	err := HardwareLimit("breakpoint", 2)
	if !strings.Contains(err.Error(), " | Hint: ") {
		t.Errorf("expected hint separator in %q", err.Error())
	}

	noHint := NoSuchCore(1, 1)
	if strings.Contains(noHint.Error(), "Hint") {
		t.Errorf("expected no hint in %q", noHint.Error())
	}
}

// TestIsSentinel verifies errors.Is matches by code through wrapping.
func TestIsSentinel(t *testing.T) {
	err := fmt.Errorf("reading memory: %w", NotHalted(0, "m"))
	if !stderrors.Is(err, ErrNotHalted) {
		t.Error("expected wrapped NotHalted to match ErrNotHalted")
	}
	if stderrors.Is(err, ErrOutOfRange) {
		t.Error("expected NotHalted not to match ErrOutOfRange")
	}
}

// TestFromError verifies structure is preserved and plain errors become hardware errors.
func TestFromError(t *testing.T) {
	orig := OutOfRange(4, 4)
	if got := FromError(fmt.Errorf("ctx: %w", orig)); got != orig {
		t.Errorf("expected original error to be returned, got %v", got)
	}

	plain := FromError(fmt.Errorf("usb stall"))
	if plain.Code != CodeHardware {
		t.Errorf("expected code %s, got %s", CodeHardware, plain.Code)
	}
}

// TestIsFatal verifies only transport failures end a session.
func TestIsFatal(t *testing.T) {
	if !IsFatal(TransportFailed("read", fmt.Errorf("EOF"))) {
		t.Error("expected transport failure to be fatal")
	}
	if IsFatal(Hardware("halt", fmt.Errorf("x"))) {
		t.Error("expected hardware failure not to be fatal")
	}
	if IsFatal(nil) {
		t.Error("expected nil not to be fatal")
	}
}

// TestChipNotFoundHint verifies long chip lists are truncated in the hint.
func TestChipNotFoundHint(t *testing.T) {
	known := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	err := ChipNotFound("nrf", known)
	if !strings.HasSuffix(err.Hint, "...") {
		t.Errorf("expected truncated hint, got %q", err.Hint)
	}
	if len(known) != 10 || known[8] != "i" {
		t.Error("expected caller slice to be left untouched")
	}
}
