package token

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// HashSize is the output width of the derivation hash (keccak256).
const HashSize = 32

// Hash is a fixed-width derivation output: a token identifier, salt,
// blinded token, or salt-store digest depending on context.
type Hash [HashSize]byte

func (h Hash) Bytes() []byte { return h[:] }

// Hex renders the hash as lowercase hex without a prefix, the form used for
// salt-store keys.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// HashFromBytes copies b into a Hash. Inputs shorter than HashSize are
// left-aligned; longer inputs are truncated.
func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

func keccak(parts ...[]byte) Hash {
	return HashFromBytes(ethcrypto.Keccak256(parts...))
}

func indexBytes(i int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	return buf[:]
}

func timeBytes(ts time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	return buf[:]
}

// DeriveTokenSeed folds the issuance timestamp into the campaign seed so
// repeated issuance for the same campaign yields a fresh chain.
func DeriveTokenSeed(campaignSeed []byte, ts time.Time) Hash {
	return keccak(campaignSeed, timeBytes(ts))
}

// DeriveTokenIDs expands a token seed into count identifiers,
// id_i = H(seed || i). These are the values embedded in credentials.
func DeriveTokenIDs(tokenSeed Hash, count int) []Hash {
	ids := make([]Hash, count)
	for i := range ids {
		ids[i] = keccak(tokenSeed[:], indexBytes(i))
	}
	return ids
}

// DeriveSalts produces count blinding salts, salt_i = H(i || ts),
// independent of any token identifier. Salts live only in the salt store.
func DeriveSalts(count int, ts time.Time) []Hash {
	salts := make([]Hash, count)
	for i := range salts {
		salts[i] = keccak(indexBytes(i), timeBytes(ts))
	}
	return salts
}

// DeriveBlindedToken combines a token identifier with its server-side salt.
// The blinded value is what the ledger hashes and signs against, so a leaked
// identifier alone never reveals it.
func DeriveBlindedToken(tokenID, salt Hash) Hash {
	return keccak(tokenID[:], salt[:])
}

// Digest keys the salt store. Records are stored under H(tokenID) rather
// than the identifier itself.
func Digest(tokenID Hash) Hash {
	return keccak(tokenID[:])
}
