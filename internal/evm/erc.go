// Package evm packs and unpacks the token-standard calldata the rescue core
// needs. Selectors are derived once; encoding follows the raw
// selector+padding scheme rather than full ABI objects since every call
// shape here is fixed.
package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func sel(sig string) []byte {
	h := crypto.Keccak256([]byte(sig))
	return h[:4]
}

var (
	SelBalanceOf    = sel("balanceOf(address)")
	SelDecimals     = sel("decimals()")
	SelName         = sel("name()")
	SelSymbol       = sel("symbol()")
	SelTransfer     = sel("transfer(address,uint256)")
	SelApprove      = sel("approve(address,uint256)")
	SelTransferFrom = sel("transferFrom(address,address,uint256)")

	SelOwnerOf             = sel("ownerOf(uint256)")
	SelTokenOfOwnerByIndex = sel("tokenOfOwnerByIndex(address,uint256)")
	SelApprove721          = SelApprove

	SelBalanceOf1155        = sel("balanceOf(address,uint256)")
	SelSafeTransferFrom1155 = sel("safeTransferFrom(address,address,uint256,uint256,bytes)")
	SelSetApprovalForAll    = sel("setApprovalForAll(address,bool)")

	SelSupportsInterface = sel("supportsInterface(bytes4)")
)

// Event topics used by the log-backfill strategy.
var (
	TopicTransfer       = common.Hash(crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")))
	TopicTransferSingle = common.Hash(crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)")))
	TopicTransferBatch  = common.Hash(crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])")))
)

// ERC-165 interface ids.
var (
	InterfaceERC721  = [4]byte{0x80, 0xac, 0x58, 0xcd}
	InterfaceERC1155 = [4]byte{0xd9, 0xb6, 0x7a, 0x26}
)

func pad(b []byte) []byte { return common.LeftPadBytes(b, 32) }

func padAddr(a common.Address) []byte { return pad(a.Bytes()) }

func padBig(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return pad(v.Bytes())
}

// EncodeBalanceOf packs balanceOf(owner).
func EncodeBalanceOf(owner common.Address) []byte {
	return append(append([]byte{}, SelBalanceOf...), padAddr(owner)...)
}

// EncodeTransfer packs transfer(to, amount).
func EncodeTransfer(to common.Address, amount *big.Int) []byte {
	out := append([]byte{}, SelTransfer...)
	out = append(out, padAddr(to)...)
	return append(out, padBig(amount)...)
}

// EncodeApprove packs approve(spender, amount). Used for both ERC-20
// allowances and ERC-721 single-token approvals.
func EncodeApprove(spender common.Address, amount *big.Int) []byte {
	out := append([]byte{}, SelApprove...)
	out = append(out, padAddr(spender)...)
	return append(out, padBig(amount)...)
}

// EncodeTransferFrom packs transferFrom(from, to, amountOrID).
func EncodeTransferFrom(from, to common.Address, v *big.Int) []byte {
	out := append([]byte{}, SelTransferFrom...)
	out = append(out, padAddr(from)...)
	out = append(out, padAddr(to)...)
	return append(out, padBig(v)...)
}

// EncodeOwnerOf packs ownerOf(tokenID).
func EncodeOwnerOf(id *big.Int) []byte {
	return append(append([]byte{}, SelOwnerOf...), padBig(id)...)
}

// EncodeTokenOfOwnerByIndex packs tokenOfOwnerByIndex(owner, index).
func EncodeTokenOfOwnerByIndex(owner common.Address, index int64) []byte {
	out := append([]byte{}, SelTokenOfOwnerByIndex...)
	out = append(out, padAddr(owner)...)
	return append(out, padBig(big.NewInt(index))...)
}

// EncodeBalanceOf1155 packs balanceOf(owner, id).
func EncodeBalanceOf1155(owner common.Address, id *big.Int) []byte {
	out := append([]byte{}, SelBalanceOf1155...)
	out = append(out, padAddr(owner)...)
	return append(out, padBig(id)...)
}

// EncodeSafeTransferFrom1155 packs safeTransferFrom(from, to, id, amount, "").
func EncodeSafeTransferFrom1155(from, to common.Address, id, amount *big.Int) []byte {
	out := append([]byte{}, SelSafeTransferFrom1155...)
	out = append(out, padAddr(from)...)
	out = append(out, padAddr(to)...)
	out = append(out, padBig(id)...)
	out = append(out, padBig(amount)...)
	out = append(out, padBig(big.NewInt(0xa0))...) // offset of the bytes arg
	return append(out, padBig(big.NewInt(0))...)   // zero-length data
}

// EncodeSetApprovalForAll packs setApprovalForAll(operator, true).
func EncodeSetApprovalForAll(operator common.Address) []byte {
	out := append([]byte{}, SelSetApprovalForAll...)
	out = append(out, padAddr(operator)...)
	return append(out, padBig(big.NewInt(1))...)
}

// EncodeSupportsInterface packs supportsInterface(id).
func EncodeSupportsInterface(id [4]byte) []byte {
	out := append([]byte{}, SelSupportsInterface...)
	return append(out, common.RightPadBytes(id[:], 32)...)
}

// DecodeBig reads a uint256 return value. Empty returns decode to zero.
func DecodeBig(ret []byte) *big.Int {
	if len(ret) == 0 {
		return big.NewInt(0)
	}
	if len(ret) > 32 {
		ret = ret[len(ret)-32:]
	}
	return new(big.Int).SetBytes(ret)
}

// DecodeBool reads an ABI-encoded bool (last byte == 1).
func DecodeBool(ret []byte) bool {
	return len(ret) > 0 && ret[len(ret)-1] == 1
}

// DecodeAddress reads an address return value.
func DecodeAddress(ret []byte) common.Address {
	if len(ret) < 32 {
		return common.Address{}
	}
	return common.BytesToAddress(ret[len(ret)-20:])
}

// DecodeString reads an ABI-encoded string return value; malformed data
// decodes to "". Some ancient tokens return bytes32 names, handled too.
func DecodeString(ret []byte) string {
	if len(ret) == 32 {
		return strings.TrimRight(string(ret), "\x00")
	}
	if len(ret) < 64 {
		return ""
	}
	offset := new(big.Int).SetBytes(ret[:32]).Uint64()
	if offset+32 > uint64(len(ret)) {
		return ""
	}
	length := new(big.Int).SetBytes(ret[offset : offset+32]).Uint64()
	if offset+32+length > uint64(len(ret)) {
		return ""
	}
	return string(ret[offset+32 : offset+32+length])
}

// TopicAddress extracts the address packed into an indexed event topic.
func TopicAddress(t common.Hash) common.Address {
	return common.BytesToAddress(t.Bytes()[12:])
}
