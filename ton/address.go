// Package ton validates and normalizes TON blockchain addresses for
// withdrawal destinations. Two wire forms are accepted: the user-friendly
// base64 form (36 bytes with a tag, workchain, account hash and CRC16
// checksum) and the raw "workchain:hex" form. Either form normalizes to
// the bounceable mainnet base64url representation.
package ton

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// tagBounceable and tagNonBounceable are the tag bytes of the
	// user-friendly address form
	tagBounceable    = 0x11
	tagNonBounceable = 0x51
	// tagTestnet is OR-ed into the tag for testnet-only addresses
	tagTestnet = 0x80

	friendlyLength = 36
	hashLength     = 32
)

// Address is a parsed TON account address
type Address struct {
	// Workchain is the workchain id, -1 for masterchain and 0 for the
	// base workchain
	Workchain int8
	// Hash is the 32 byte account id within the workchain
	Hash [hashLength]byte
	// Bounceable reports the flag of the original user-friendly form.
	// Raw-form addresses parse as bounceable.
	Bounceable bool
}

// ErrInvalidAddress means the input is not a syntactically valid TON
// address in any supported form
var ErrInvalidAddress = errors.New("invalid TON address")

// ErrTestnetAddress means the address is testnet-only and cannot receive
// mainnet funds
var ErrTestnetAddress = errors.New("testnet-only TON address")

// Parse parses a TON address in either the user-friendly base64 form or
// the raw workchain:hex form. Testnet-flagged addresses are rejected.
func Parse(input string) (Address, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Address{}, ErrInvalidAddress
	}

	if strings.Contains(trimmed, ":") {
		return parseRaw(trimmed)
	}
	return parseFriendly(trimmed)
}

// Validate checks whether the input is a usable mainnet TON address
func Validate(input string) error {
	_, err := Parse(input)
	return err
}

func parseRaw(input string) (Address, error) {
	parts := strings.SplitN(input, ":", 2)
	if len(parts) != 2 {
		return Address{}, ErrInvalidAddress
	}

	workchain, err := strconv.ParseInt(parts[0], 10, 8)
	if err != nil {
		return Address{}, ErrInvalidAddress
	}
	if workchain != 0 && workchain != -1 {
		return Address{}, ErrInvalidAddress
	}

	hashBytes, err := hex.DecodeString(strings.ToLower(parts[1]))
	if err != nil || len(hashBytes) != hashLength {
		return Address{}, ErrInvalidAddress
	}

	address := Address{
		Workchain:  int8(workchain),
		Bounceable: true,
	}
	copy(address.Hash[:], hashBytes)
	return address, nil
}

func parseFriendly(input string) (Address, error) {
	decoded, err := base64.URLEncoding.DecodeString(input)
	if err != nil {
		// wallets in the wild emit both alphabets
		decoded, err = base64.StdEncoding.DecodeString(input)
		if err != nil {
			return Address{}, ErrInvalidAddress
		}
	}
	if len(decoded) != friendlyLength {
		return Address{}, ErrInvalidAddress
	}

	expected := binary.BigEndian.Uint16(decoded[34:36])
	if crc16Xmodem(decoded[:34]) != expected {
		return Address{}, ErrInvalidAddress
	}

	tag := decoded[0]
	if tag&tagTestnet != 0 {
		return Address{}, ErrTestnetAddress
	}

	var bounceable bool
	switch tag {
	case tagBounceable:
		bounceable = true
	case tagNonBounceable:
		bounceable = false
	default:
		return Address{}, ErrInvalidAddress
	}

	workchain := int8(decoded[1])
	if workchain != 0 && workchain != -1 {
		return Address{}, ErrInvalidAddress
	}

	address := Address{
		Workchain:  workchain,
		Bounceable: bounceable,
	}
	copy(address.Hash[:], decoded[2:34])
	return address, nil
}

// Friendly returns the bounceable mainnet base64url form. This is the
// canonical form stored on withdraw requests.
func (a Address) Friendly() string {
	payload := make([]byte, friendlyLength)
	payload[0] = tagBounceable
	payload[1] = byte(a.Workchain)
	copy(payload[2:34], a.Hash[:])
	binary.BigEndian.PutUint16(payload[34:36], crc16Xmodem(payload[:34]))
	return base64.URLEncoding.EncodeToString(payload)
}

// Raw returns the workchain:hex form
func (a Address) Raw() string {
	return strconv.Itoa(int(a.Workchain)) + ":" + hex.EncodeToString(a.Hash[:])
}

func (a Address) String() string {
	return a.Friendly()
}

// crc16Xmodem is the CRC-16/XMODEM checksum used by the user-friendly
// address form (poly 0x1021, init 0)
func crc16Xmodem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
