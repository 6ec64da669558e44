package router

type Tif string

const (
	TifGtc Tif = "GTC"
	TifFok Tif = "FOK"
	TifFak Tif = "FAK"
)

// OrderWire is the canonical order form that gets hashed and signed. Prices
// and sizes travel as trimmed decimal strings so the hash is stable.
type OrderWire struct {
	TokenID string `json:"token" msgpack:"token"`
	Side    string `json:"side" msgpack:"side"`
	Price   string `json:"price" msgpack:"price"`
	Size    string `json:"size" msgpack:"size"`
	Tif     Tif    `json:"tif" msgpack:"tif"`
	Cloid   string `json:"cloid,omitempty" msgpack:"cloid,omitempty"`
}

type OrderAction struct {
	Type   string      `json:"type"`
	Orders []OrderWire `json:"orders"`
}

type CancelAction struct {
	Type     string   `json:"type"`
	OrderIDs []string `json:"orderIds"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type SignedAction struct {
	Action    any       `json:"action"`
	Nonce     uint64    `json:"nonce"`
	Signature Signature `json:"signature"`
	Owner     string    `json:"owner"`
}
