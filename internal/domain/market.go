package domain

import "time"

// MarketProfile describes one supported market's trading calendar inputs
// and defaults. Profiles are loaded from configuration at startup.
type MarketProfile struct {
	Market         string   `json:"market"`
	Timezone       string   `json:"timezone"`
	Currency       string   `json:"currency"`
	Sessions       []string `json:"sessions"`
	Holidays       []string `json:"holidays,omitempty"`
	HalfDays       []string `json:"half_days,omitempty"`
	HalfDaySession string   `json:"half_day_session,omitempty"`
}

// Session is one resolved intraday trading window in the market's zone.
type Session struct {
	Open  time.Time `json:"open"`
	Close time.Time `json:"close"`
}
