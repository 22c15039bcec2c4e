package verify

// MaxMemoBytes is the ledger protocol's memo capacity. The limit is on the
// UTF-8 encoding, not the rune count: multibyte scripts consume it faster.
const MaxMemoBytes = 28

// ValidateMemo reports whether the memo fits the protocol limit along with
// its encoded byte length. An empty memo is valid at zero bytes.
func ValidateMemo(memo string) (bool, int) {
	byteLen := len(memo)
	return byteLen <= MaxMemoBytes, byteLen
}
