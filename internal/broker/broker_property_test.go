package broker

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func tickerPacket(segment byte, securityID uint32, ltp float32, ltt uint32) []byte {
	msg := make([]byte, feedTickerPacketLen)
	msg[0] = feedResponseTicker
	binary.LittleEndian.PutUint16(msg[1:3], feedTickerPacketLen)
	msg[3] = segment
	binary.LittleEndian.PutUint32(msg[4:8], securityID)
	binary.LittleEndian.PutUint32(msg[8:12], math.Float32bits(ltp))
	binary.LittleEndian.PutUint32(msg[12:16], ltt)
	return msg
}

// Property: every well-formed ticker packet decodes to its security id,
// a price within a paisa of the float32 LTP, and the raw LTT.
func TestProperty_TickerPacketDecodes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("ticker packets decode field by field", prop.ForAll(
		func(seg uint8, id uint32, ltp float32, ltt uint32) bool {
			segment := seg % 9
			pkt, ok := ParseTickerPacket(tickerPacket(segment, id, ltp, ltt))
			if !ok {
				return false
			}
			if pkt.SecurityID != id || pkt.LTT != ltt {
				return false
			}
			if math.Abs(pkt.LTP-float64(ltp)) > 0.005+1e-9 {
				return false
			}
			if name, known := feedSegments[segment]; known && pkt.Segment != name {
				return false
			}
			return true
		},
		gen.UInt8(),
		gen.UInt32(),
		gen.Float32Range(0.05, 100000),
		gen.UInt32(),
	))

	properties.Property("short or non-ticker packets are ignored", prop.ForAll(
		func(n int, code uint8) bool {
			msg := tickerPacket(2, 13, 100, 0)
			if _, ok := ParseTickerPacket(msg[:n]); ok {
				return false
			}
			msg[0] = code
			_, ok := ParseTickerPacket(msg)
			return ok == (code == feedResponseTicker)
		},
		gen.IntRange(0, feedTickerPacketLen-1),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
