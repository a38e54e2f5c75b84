package abi

import _ "embed"

// ERC20 is the token ABI used to encode balance queries against EVM tokens
// deployed on the zkEVM and to build token fixtures in tests.
//
//go:embed erc20.json
var ERC20 []byte
