package translate

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	fixtureabi "github.com/ftupas/kakarot-rpc/fixtures/abi"
)

var (
	erc20ABI abi.ABI

	// TransferTopic is topic0 of the ERC-20 Transfer event.
	TransferTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(bytes.NewReader(fixtureabi.ERC20))
	if err != nil {
		panic(fmt.Sprintf("translate: unable to parse erc20 ABI: %v", err))
	}
	erc20ABI = parsed
	TransferTopic = erc20ABI.Events["Transfer"].ID
}

// PackBalanceOf returns EVM calldata for balanceOf(owner).
func PackBalanceOf(owner common.Address) []byte {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		// address arguments always pack
		panic(err)
	}
	return data
}

// UnpackBalance decodes the uint256 returned by balanceOf.
func UnpackBalance(ret []byte) (*big.Int, error) {
	vals, err := erc20ABI.Unpack("balanceOf", ret)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", ErrMalformedOutput, err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf returned %T", ErrMalformedOutput, vals[0])
	}
	return v, nil
}

// PackTransfer returns EVM calldata for transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// RevertReason extracts the Error(string) message from revert data.
func RevertReason(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}
