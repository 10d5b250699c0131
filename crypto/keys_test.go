package crypto

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseIdentityAcceptsHexAndBech32(t *testing.T) {
	want := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	fromHex, err := ParseIdentity("0x00000000000000000000000000000000000000aa")
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if fromHex != want {
		t.Fatalf("unexpected hex identity %s", fromHex.Hex())
	}

	encoded := FormatIdentity(want)
	if !strings.HasPrefix(encoded, string(RatePrefix)+"1") {
		t.Fatalf("unexpected bech32 encoding %q", encoded)
	}
	fromBech32, err := ParseIdentity(encoded)
	if err != nil {
		t.Fatalf("parse bech32: %v", err)
	}
	if fromBech32 != want {
		t.Fatalf("round trip mismatch: %s", fromBech32.Hex())
	}
}

func TestParseIdentityRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "0x1234", "rate1notanaddress", "hello"} {
		if _, err := ParseIdentity(input); err == nil {
			t.Fatalf("expected %q to be rejected", input)
		}
	}
}
