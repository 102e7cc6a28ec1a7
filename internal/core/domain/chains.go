package domain

type Chain string
type ChainFamily string

const (
	ChainEthereum Chain = "ethereum"
	ChainPolygon  Chain = "polygon"
	ChainArbitrum Chain = "arbitrum"
	ChainBase     Chain = "base"
	ChainSolana   Chain = "solana"
)

const (
	// FamilyAccount covers account-model chains (EVM style).
	FamilyAccount ChainFamily = "account"
	// FamilyTokenAccount covers chains holding balances in per-token accounts (Solana style).
	FamilyTokenAccount ChainFamily = "token_account"
)

// ChainFamilies maps each supported chain to its scanner family.
var ChainFamilies = map[Chain]ChainFamily{
	ChainEthereum: FamilyAccount,
	ChainPolygon:  FamilyAccount,
	ChainArbitrum: FamilyAccount,
	ChainBase:     FamilyAccount,
	ChainSolana:   FamilyTokenAccount,
}

// NativeSymbols maps each chain to its gas token symbol.
var NativeSymbols = map[Chain]string{
	ChainEthereum: "ETH",
	ChainPolygon:  "POL",
	ChainArbitrum: "ETH",
	ChainBase:     "ETH",
	ChainSolana:   "SOL",
}

// KnownChain reports whether the chain is supported.
func KnownChain(c Chain) bool {
	_, ok := ChainFamilies[c]
	return ok
}
