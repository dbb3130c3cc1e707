package adapter

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// tagRegistryABI is the subset of the registry contract this service calls
const tagRegistryABI = `[
	{"type":"function","name":"anchorBatch","stateMutability":"nonpayable","inputs":[
		{"name":"batchId","type":"bytes32"},{"name":"root","type":"bytes32"},{"name":"manifestURI","type":"string"}],"outputs":[]},
	{"type":"function","name":"lazyMint","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},{"name":"tagCode","type":"string"},{"name":"batchId","type":"bytes32"},
		{"name":"proof","type":"bytes32[]"},{"name":"tokenURI","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
	{"type":"function","name":"mintTo","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},{"name":"tagCode","type":"string"},{"name":"tokenURI","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
	{"type":"function","name":"setTokenURI","stateMutability":"nonpayable","inputs":[
		{"name":"tokenId","type":"uint256"},{"name":"uri","type":"string"}],"outputs":[]},
	{"type":"function","name":"verifyInclusion","stateMutability":"view","inputs":[
		{"name":"tagCode","type":"string"},{"name":"batchId","type":"bytes32"},{"name":"proof","type":"bytes32[]"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"batches","stateMutability":"view","inputs":[
		{"name":"batchId","type":"bytes32"}],"outputs":[
		{"name":"root","type":"bytes32"},{"name":"manifestURI","type":"string"},{"name":"anchoredAt","type":"uint64"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
		{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"BatchAnchored","anonymous":false,"inputs":[
		{"name":"batchId","type":"bytes32","indexed":true},{"name":"root","type":"bytes32","indexed":false},
		{"name":"manifestURI","type":"string","indexed":false}]},
	{"type":"event","name":"TagActivated","anonymous":false,"inputs":[
		{"name":"tokenId","type":"uint256","indexed":true},{"name":"batchId","type":"bytes32","indexed":true},
		{"name":"to","type":"address","indexed":true},{"name":"tagCode","type":"string","indexed":false}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]}
]`

// RegistryABI is the parsed registry ABI
var RegistryABI = mustParseABI(tagRegistryABI)

var (
	tagActivatedEvent = RegistryABI.Events["TagActivated"]
	transferEvent     = RegistryABI.Events["Transfer"]
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid registry ABI: %v", err))
	}
	return parsed
}
