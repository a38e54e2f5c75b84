package felt

import "math/big"

var (
	contractAddressPrefix = FromShortString("STARKNET_CONTRACT_ADDRESS")
	// addressBound is 2^251 - 256; deployed addresses are reduced below it.
	addressBound = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 251), big.NewInt(256))
)

// ContractAddress computes the address a deployer obtains when deploying
// classHash with the given salt and constructor calldata.
func ContractAddress(deployer, salt, classHash Felt, calldata []Felt) Felt {
	h := PedersenArray(
		contractAddressPrefix,
		deployer,
		salt,
		classHash,
		PedersenArray(calldata...),
	)
	v := h.BigInt()
	v.Mod(v, addressBound)
	out, _ := FromBig(v)
	return out
}
