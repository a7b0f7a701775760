package util

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestNormalizeAddress(t *testing.T) {
	wallet, err := NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	hex := wallet.Address.Hex()

	// Mixed-case and lowercase forms map to the same address.
	for _, in := range []string{hex, strings.ToLower(hex), strings.ToUpper(strings.TrimPrefix(hex, "0x"))} {
		got, err := NormalizeAddress(in)
		if err != nil {
			t.Errorf("NormalizeAddress(%q): %v", in, err)
			continue
		}
		if got != *wallet.Address {
			t.Errorf("NormalizeAddress(%q) = %s, want %s", in, got.Hex(), hex)
		}
	}

	for _, in := range []string{"", "0x1234", "not-an-address", hex + "00"} {
		if _, err := NormalizeAddress(in); err == nil {
			t.Errorf("NormalizeAddress(%q): expected error", in)
		}
	}
}

func TestIsZeroAddress(t *testing.T) {
	if !IsZeroAddress(common.Address{}) {
		t.Error("zero address not detected")
	}
	wallet, err := NewWallet()
	if err != nil {
		t.Fatal(err)
	}
	if IsZeroAddress(*wallet.Address) {
		t.Error("generated address reported as zero")
	}
}
