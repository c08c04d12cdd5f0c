package census

// response mirrors the Census geocoder's locations/onelineaddress payload
// (benchmark Public_AR_Current, format=json).
type response struct {
	Result result `json:"result"`
}

type result struct {
	AddressMatches []AddressMatch `json:"addressMatches"`
}

// AddressMatch is one candidate match from the Census geocoder.
type AddressMatch struct {
	MatchedAddress string      `json:"matchedAddress"`
	Coordinates    Coordinates `json:"coordinates"`
	TigerLine      *TigerLine  `json:"tigerLine,omitempty"`
}

// Coordinates uses the Census convention: x is longitude, y is latitude.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TigerLine identifies the TIGER/Line segment the match snapped to.
type TigerLine struct {
	ID   string `json:"tigerLineId"`
	Side string `json:"side"`
}
