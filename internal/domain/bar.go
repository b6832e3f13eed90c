package domain

import (
	"fmt"
	"time"
)

// Bar is one OHLCV bar keyed by its open timestamp.
type Bar struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Amount float64   `json:"amount,omitempty"`
}

// Value extracts the configured price basis from the bar.
func (b Bar) Value(basis PriceBasis) float64 {
	switch basis {
	case BasisHigh:
		return b.High
	case BasisLow:
		return b.Low
	case BasisAvg:
		return (b.High + b.Low + b.Open + b.Close) / 4
	default:
		return b.Close
	}
}

// Contract identifies a tradable instrument at the gateway.
type Contract struct {
	ContractID int64  `json:"contract_id"`
	Symbol     string `json:"symbol"`
	SecType    string `json:"sec_type"`
	Exchange   string `json:"exchange"`
	Currency   string `json:"currency"`
	Expiry     string `json:"expiry,omitempty"`
	Multiplier string `json:"multiplier,omitempty"`
}

// CacheKey identifies one cached bar series.
func (c Contract) CacheKey(barSize, whatToShow string, rth bool) string {
	return fmt.Sprintf("%d|%s|%s|%t", c.ContractID, barSize, whatToShow, rth)
}

// Segment is a half-open covered interval [Start, End) of bar timestamps.
type Segment struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BarsRequest asks for a window of bars for one contract.
type BarsRequest struct {
	Contract       Contract
	BarSize        string
	WhatToShow     string
	RTH            bool
	Start          time.Time
	End            time.Time
	MaxBars        int
	IncludePartial bool
}

// BarsMeta describes how a bars result was assembled.
type BarsMeta struct {
	CacheHitRatio float64   `json:"cache_hit_ratio"`
	HasGaps       bool      `json:"has_gaps"`
	Fetched       []Segment `json:"fetched,omitempty"`
	Covered       []Segment `json:"covered,omitempty"`
	Truncated     bool      `json:"truncated,omitempty"`
}

// BarsResult is the bars plus assembly metadata.
type BarsResult struct {
	Bars []Bar    `json:"bars"`
	Meta BarsMeta `json:"meta"`
}
