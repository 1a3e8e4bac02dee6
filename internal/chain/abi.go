package chain

import (
	"fmt"
	"strings"
)

// AuctionVaultABI is the subset of the AuctionVault interface the keeper uses.
const AuctionVaultABI = `[
	{
		"inputs": [],
		"name": "auctionId",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "id", "type": "uint256"}],
		"name": "getAuctionEndTime",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "user",           "type": "address"},
			{"name": "id",             "type": "uint256"},
			{"name": "characterIndex", "type": "uint8"}
		],
		"name": "getUserBidBalance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "id",             "type": "uint256"},
			{"name": "characterIndex", "type": "uint8"}
		],
		"name": "getAuctionCharacterData",
		"outputs": [
			{"name": "characterURI", "type": "string"},
			{"name": "name",         "type": "string"},
			{"name": "symbol",       "type": "string"},
			{"name": "poolBalance",  "type": "uint256"},
			{"name": "isWinner",     "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "topBidder",             "type": "address"},
			{"name": "winningCharacterIndex", "type": "uint8"}
		],
		"name": "closeCurrentAuction",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "characterURIs", "type": "string[]"},
			{"name": "names",         "type": "string[]"},
			{"name": "symbols",       "type": "string[]"}
		],
		"name": "startAuction",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true,  "name": "bidder",         "type": "address"},
			{"indexed": true,  "name": "auctionId",      "type": "uint256"},
			{"indexed": false, "name": "characterIndex", "type": "uint8"},
			{"indexed": false, "name": "amount",         "type": "uint256"}
		],
		"name": "BidPlaced",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true,  "name": "user",           "type": "address"},
			{"indexed": true,  "name": "auctionId",      "type": "uint256"},
			{"indexed": false, "name": "withdrawAmount", "type": "uint256"}
		],
		"name": "BidWithdrawn",
		"type": "event"
	}
]`

// ConfigABI is the setter/getter surface of the Config contract, one pair
// per field in Fields.
var ConfigABI = buildConfigABI()

func buildConfigABI() string {
	entries := make([]string, 0, 2*len(Fields))
	for _, f := range Fields {
		typ := f.Kind.abiType()
		entries = append(entries,
			fmt.Sprintf(`{"inputs":[{"name":"value","type":%q}],"name":%q,"outputs":[],"stateMutability":"nonpayable","type":"function"}`, typ, f.Setter),
			fmt.Sprintf(`{"inputs":[],"name":%q,"outputs":[{"name":"","type":%q}],"stateMutability":"view","type":"function"}`, f.Getter, typ),
		)
	}
	return "[" + strings.Join(entries, ",") + "]"
}
