package upstream

import (
	"time"

	"mdbroker/internal/model"
	"mdbroker/pkg/exception"

	"github.com/cespare/xxhash/v2"
	"github.com/yanun0323/errors"
)

// Raw field names produced by the simulator. Prices and sizes are scaled
// integers, as vendor feeds usually send them.
const (
	FieldLast    = "LAST"
	FieldBid     = "BID"
	FieldAsk     = "ASK"
	FieldBidSize = "BID_SIZE"
	FieldAskSize = "ASK_SIZE"
	FieldVolume  = "VOLUME"
	FieldSeq     = "SEQ"
	FieldTsEvent = "TS_EVENT"
)

// Generator creates synthetic ticks for one canonical id.
type Generator struct {
	canonical model.CanonicalID
	basePrice int64
	baseSize  int64
	spread    int64
	swing     int64
	index     int64
	volume    int64
}

// NewGenerator creates a generator. Every canonical id starts from its own
// price so different instruments are told apart in output.
func NewGenerator(canonical model.CanonicalID, basePrice, baseSize, spread int64) (*Generator, error) {
	if canonical.IsZero() {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "zero canonical id")
	}
	if basePrice <= 0 {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "base price must be > 0")
	}
	if baseSize <= 0 {
		baseSize = 1
	}
	if spread < 0 {
		spread = 0
	}
	offset := int64(xxhash.Sum64String(canonical.String()) % 1000)
	return &Generator{
		canonical: canonical,
		basePrice: basePrice + offset*basePrice/1000,
		baseSize:  baseSize,
		spread:    spread,
		swing:     basePrice/100 + 1,
	}, nil
}

// Next creates the next raw tick in sequence.
func (g *Generator) Next(now time.Time) model.Fields {
	g.index++
	step := g.index % 20
	if step >= 10 {
		step = 20 - step
	}
	price := g.basePrice + step*g.swing/10
	g.volume += g.baseSize
	return model.Fields{
		FieldLast:    price,
		FieldBid:     price - g.spread,
		FieldAsk:     price + g.spread,
		FieldBidSize: g.baseSize,
		FieldAskSize: g.baseSize,
		FieldVolume:  g.volume,
		FieldSeq:     g.index,
		FieldTsEvent: now.UnixNano(),
	}
}
