package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// BottleABI is the subset of the bottle contract the backend talks to.
const BottleABI = `[
  {"type":"function","name":"createBottle","stateMutability":"nonpayable",
   "inputs":[{"name":"ipfsHash","type":"string"},{"name":"author","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getBottle","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[{"name":"ipfsHash","type":"string"},{"name":"author","type":"address"},
              {"name":"createdAt","type":"uint256"},{"name":"exists","type":"bool"}]},
  {"type":"function","name":"getTotalBottles","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"BottleCreated","anonymous":false,
   "inputs":[{"name":"id","type":"uint256","indexed":true},
             {"name":"author","type":"address","indexed":true},
             {"name":"ipfsHash","type":"string","indexed":false},
             {"name":"createdAt","type":"uint256","indexed":false}]}
]`

const eventBottleCreated = "BottleCreated"

// BottleCreated mirrors the contract event. Field names follow abi.ToCamelCase.
type BottleCreated struct {
	Id        *big.Int
	Author    common.Address
	IpfsHash  string
	CreatedAt *big.Int
}

// OnChainBottle is the result of getBottle.
type OnChainBottle struct {
	ID        uint64
	IPFSHash  string
	Author    string
	CreatedAt int64
}

func parseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(BottleABI))
}
