package domain

import "time"

// Snapshot is one symbol's row from the bulk market snapshot. Producers skip
// symbols with missing price or volume at the source; a Snapshot that exists
// always satisfies Price > 0 and Volume >= 0.
type Snapshot struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	ChangePct  float64   `json:"change_pct"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Open       float64   `json:"open"`
	PrevClose  float64   `json:"prev_close"`
	PrevVolume float64   `json:"prev_volume"`
	AsOf       time.Time `json:"as_of"`
}

// HistoricalBar is one OHLCV aggregate. Bar lists are sorted ascending by
// Time wherever they appear.
type HistoricalBar struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// TrailingChange carries the 5- and 20-day percentage moves used by the
// post-explosion gate. Nil pointers mean the history was unavailable, which
// the gate treats as allow.
type TrailingChange struct {
	Change5d  *float64
	Change20d *float64
}
