package models

import (
	"fmt"
	"strings"
)

// FeedKind identifies the logical class of market data a feed carries.
type FeedKind string

const (
	FeedKindCandle FeedKind = "candle"
	FeedKindDepth  FeedKind = "depth"
	FeedKindTrade  FeedKind = "trade"
)

// wire tokens used by the venue's stream naming convention.
const (
	wireTokenCandle = "kline"
	wireTokenDepth  = "depth"
	wireTokenTrade  = "trade"
)

// FeedIdentity is the key of one logical data channel: a symbol plus a feed
// kind plus an optional parameter (the candle interval). It is a comparable
// value type and is used directly as a map key; an absent Param is distinct
// from any present value.
type FeedIdentity struct {
	Venue  string
	Symbol string
	Kind   FeedKind
	Param  string
}

// Canonical returns the identity with its symbol in the canonical upper case.
// Wire stream names are lowercase while payloads carry uppercase symbols, so
// every map keyed by FeedIdentity must use the canonical form on both the
// subscribe and the dispatch side.
func (f FeedIdentity) Canonical() FeedIdentity {
	f.Symbol = strings.ToUpper(f.Symbol)
	return f
}

// StreamName renders the identity in the venue's lowercase wire convention:
// <symbol>@<kind>[_<param>].
func (f FeedIdentity) StreamName() string {
	sym := strings.ToLower(f.Symbol)
	switch f.Kind {
	case FeedKindCandle:
		if f.Param == "" {
			return sym + "@" + wireTokenCandle
		}
		return sym + "@" + wireTokenCandle + "_" + f.Param
	case FeedKindDepth:
		return sym + "@" + wireTokenDepth
	case FeedKindTrade:
		return sym + "@" + wireTokenTrade
	default:
		return sym + "@" + string(f.Kind)
	}
}

func (f FeedIdentity) String() string {
	return f.Venue + ":" + f.StreamName()
}

// ParseStreamName inverts StreamName for inbound messages that carry a stream
// label. The venue is supplied by the connection that received the message.
func ParseStreamName(venue, name string) (FeedIdentity, error) {
	sym, rest, ok := strings.Cut(name, "@")
	if !ok || sym == "" || rest == "" {
		return FeedIdentity{}, fmt.Errorf("malformed stream name %q", name)
	}

	token, param, _ := strings.Cut(rest, "_")
	id := FeedIdentity{Venue: venue, Symbol: strings.ToUpper(sym), Param: param}
	switch token {
	case wireTokenCandle:
		id.Kind = FeedKindCandle
	case wireTokenDepth:
		id.Kind = FeedKindDepth
	case wireTokenTrade:
		id.Kind = FeedKindTrade
	default:
		return FeedIdentity{}, fmt.Errorf("unknown stream kind %q in %q", token, name)
	}
	return id, nil
}
