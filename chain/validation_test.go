package chain

import (
	"math/big"
	"testing"
)

// packValidationWord replicates the bit layout UnpackValidationData
// expects: bits 0-159 aggregator, 160-207 validUntil, 208-255
// validAfter (the inverse of UnpackValidationData in pack.go).
func packValidationWord(validAfter, validUntil uint64) *big.Int {
	word := new(big.Int).Lsh(big.NewInt(int64(validUntil)), 160)
	word.Or(word, new(big.Int).Lsh(big.NewInt(int64(validAfter)), 208))
	return word
}

func leftPad32(n *big.Int) []byte {
	b := n.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func validationResultRevert(account, paymaster *big.Int) []byte {
	data := []byte{0xe0, 0xcf, 0xf0, 0x5f}
	data = append(data, leftPad32(account)...)
	data = append(data, leftPad32(paymaster)...)
	return data
}

// A paymaster validity window tighter than the account's must win the
// min(validUntil) comparison strict-mode admission relies on (section
// 4.1.1).
func TestIntersectValidationDataTakesTighterPaymasterWindow(t *testing.T) {
	const now = uint64(1_700_000_000)
	account := packValidationWord(0, now+3600)
	paymaster := packValidationWord(0, now+60)

	accountVD, paymasterVD, err := decodeValidationResultRevert(validationResultRevert(account, paymaster))
	if err != nil {
		t.Fatalf("decodeValidationResultRevert: %v", err)
	}

	combined := intersectValidationData(accountVD, paymasterVD)
	if combined.ValidUntil != now+60 {
		t.Fatalf("expected combined validUntil %d (paymaster's tighter window), got %d", now+60, combined.ValidUntil)
	}
}

// The account's validity window must win when it is the tighter of
// the two, not just whichever word happens to be decoded first.
func TestIntersectValidationDataTakesTighterAccountWindow(t *testing.T) {
	const now = uint64(1_700_000_000)
	account := packValidationWord(0, now+30)
	paymaster := packValidationWord(0, now+3600)

	accountVD, paymasterVD, err := decodeValidationResultRevert(validationResultRevert(account, paymaster))
	if err != nil {
		t.Fatalf("decodeValidationResultRevert: %v", err)
	}

	combined := intersectValidationData(accountVD, paymasterVD)
	if combined.ValidUntil != now+30 {
		t.Fatalf("expected combined validUntil %d (account's tighter window), got %d", now+30, combined.ValidUntil)
	}
}

// A zero word (no paymaster block, or a paymaster that reports no
// expiry) must not be treated as "expires immediately".
func TestIntersectValidationDataIgnoresUnsetWindow(t *testing.T) {
	const now = uint64(1_700_000_000)
	account := packValidationWord(0, now+120)
	paymaster := big.NewInt(0)

	accountVD, paymasterVD, err := decodeValidationResultRevert(validationResultRevert(account, paymaster))
	if err != nil {
		t.Fatalf("decodeValidationResultRevert: %v", err)
	}

	combined := intersectValidationData(accountVD, paymasterVD)
	if combined.ValidUntil != now+120 {
		t.Fatalf("expected unset paymaster window to be ignored, got validUntil %d", combined.ValidUntil)
	}
}
