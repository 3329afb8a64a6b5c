package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// ValidAddress reports whether s is a syntactically valid chain address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ValidTxHash reports whether s is a syntactically valid transaction hash.
func ValidTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// selector returns the 4-byte ABI selector for a function signature.
func selector(signature string) string {
	return "0x" + hex.EncodeToString(keccak256([]byte(signature))[:4])
}

var (
	selMint      = selector("mint(address,uint256)")
	selMinter    = selector("minter()")
	selBalanceOf = selector("balanceOf(address)")

	// TransferTopic is the topic0 of the token contract's transfer event.
	TransferTopic = "0x" + hex.EncodeToString(keccak256([]byte("Transfer(address,address,uint256)")))
)

// abiWord left-pads a hex value (without 0x) to a 32-byte ABI word.
func abiWord(hexValue string) string {
	return strings.Repeat("0", 64-len(hexValue)) + hexValue
}

func encodeAddress(addr string) (string, error) {
	if !ValidAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return abiWord(strings.ToLower(strings.TrimPrefix(addr, "0x"))), nil
}

func encodeUint256(v *big.Int) (string, error) {
	if v.Sign() < 0 || v.BitLen() > 256 {
		return "", fmt.Errorf("value out of uint256 range: %s", v)
	}
	return abiWord(v.Text(16)), nil
}

// wordToAddress extracts the address from a 32-byte ABI word or log topic.
func wordToAddress(word string) string {
	w := strings.TrimPrefix(word, "0x")
	if len(w) < 40 {
		return ""
	}
	return "0x" + strings.ToLower(w[len(w)-40:])
}

func hexToBig(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

// Transfer is a decoded token transfer event.
type Transfer struct {
	From  string
	To    string
	Value *big.Int
}

// AsTransfer decodes the log as a transfer event, or reports false when the
// log is of a different shape.
func (l Log) AsTransfer() (*Transfer, bool) {
	if len(l.Topics) != 3 || !strings.EqualFold(l.Topics[0], TransferTopic) {
		return nil, false
	}

	value, err := hexToBig(l.Data)
	if err != nil {
		return nil, false
	}

	return &Transfer{
		From:  wordToAddress(l.Topics[1]),
		To:    wordToAddress(l.Topics[2]),
		Value: value,
	}, true
}

func hexToUint64(s string) (uint64, error) {
	v, err := hexToBig(s)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("quantity %q overflows uint64", s)
	}
	return v.Uint64(), nil
}
