package x402

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFee(t *testing.T) {
	tests := []struct {
		name   string
		value  int64
		feeBps uint32
		fee    int64
		net    int64
	}{
		{"half percent", 1_000_000, 50, 5000, 995000},
		{"two percent", 1_000_000, 200, 20000, 980000},
		{"one percent", 1_000_000, 100, 10000, 990000},
		{"floors fractional fee", 199, 50, 0, 199},
		{"floors just above boundary", 201, 50, 1, 200},
		{"zero value", 0, 50, 0, 0},
		{"zero fee", 1_000_000, 0, 0, 1_000_000},
		{"full fee", 1_000_000, 10000, 1_000_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := big.NewInt(tt.value)
			assert.Equal(t, big.NewInt(tt.fee).String(), ComputeFee(value, tt.feeBps).String())
			assert.Equal(t, big.NewInt(tt.net).String(), NetAmount(value, tt.feeBps).String())
			assert.Equal(t, big.NewInt(tt.value).String(), value.String())
		})
	}
}

func TestComputeFee_FloorHoldsForRange(t *testing.T) {
	for _, bps := range []uint32{1, 50, 100, 200, 333, 9999} {
		for v := int64(0); v < 5000; v += 7 {
			value := big.NewInt(v)
			fee := ComputeFee(value, bps)
			want := v * int64(bps) / BpsDenominator
			require.Equal(t, want, fee.Int64(), "value=%d bps=%d", v, bps)
			net := NetAmount(value, bps)
			require.Equal(t, v-want, net.Int64())
		}
	}
}

func TestComputeFee_LargeValues(t *testing.T) {
	value, ok := new(big.Int).SetString("1000000000000000000000000", 10)
	require.True(t, ok)

	fee := ComputeFee(value, 50)
	assert.Equal(t, "5000000000000000000000", fee.String())
	assert.Equal(t, "995000000000000000000000", NetAmount(value, 50).String())
}

func TestComputeFee_NilAndNegative(t *testing.T) {
	assert.Equal(t, "0", ComputeFee(nil, 50).String())
	assert.Equal(t, "0", ComputeFee(big.NewInt(-10), 50).String())
	assert.Equal(t, "0", NetAmount(nil, 50).String())
}

func TestFormatFeeRate(t *testing.T) {
	assert.Equal(t, "0.5%", FormatFeeRate(50))
	assert.Equal(t, "1.0%", FormatFeeRate(100))
	assert.Equal(t, "2.0%", FormatFeeRate(200))
	assert.Equal(t, "0.25%", FormatFeeRate(25))
	assert.Equal(t, "0.05%", FormatFeeRate(5))
	assert.Equal(t, "0.0%", FormatFeeRate(0))
}

func TestTokenUnits(t *testing.T) {
	units, err := ToTokenUnits("1", 18)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", units.String())

	units, err = ToTokenUnits("0.25", 6)
	require.NoError(t, err)
	assert.Equal(t, "250000", units.String())

	units, err = ToTokenUnits(".5", 2)
	require.NoError(t, err)
	assert.Equal(t, "50", units.String())

	_, err = ToTokenUnits("1.1234567", 6)
	assert.Error(t, err)
	_, err = ToTokenUnits("abc", 6)
	assert.Error(t, err)
	_, err = ToTokenUnits("-1", 6)
	assert.Error(t, err)
	_, err = ToTokenUnits("", 6)
	assert.Error(t, err)

	assert.Equal(t, "1", FromTokenUnits(big.NewInt(1000000), 6))
	assert.Equal(t, "0.995", FromTokenUnits(big.NewInt(995000), 6))
	assert.Equal(t, "0.000001", FromTokenUnits(big.NewInt(1), 6))
	assert.Equal(t, "0", FromTokenUnits(nil, 6))
	assert.Equal(t, "42", FromTokenUnits(big.NewInt(42), 0))
}

func TestSettleReceiptRecord(t *testing.T) {
	permit := SettleReceipt{
		TxHash:  "0xabc",
		Amount:  big.NewInt(995000),
		Fee:     big.NewInt(5000),
		FeeBps:  50,
		GasCost: big.NewInt(21000),
		Mode:    ModePermit,
	}
	rec := permit.Record()
	assert.Equal(t, "1000000", rec.GrossValue.String())
	assert.Equal(t, "995000", rec.NetAmount.String())
	assert.Equal(t, uint32(50), rec.FeeBps)
	assert.Equal(t, NetAmount(rec.GrossValue, rec.FeeBps).String(), rec.NetAmount.String())

	direct := SettleReceipt{
		TxHash: "0xdef",
		Amount: big.NewInt(1000000),
		Fee:    new(big.Int),
		FeeBps: 200,
		Mode:   ModeDirect,
	}
	rec = direct.Record()
	assert.Equal(t, uint32(0), rec.FeeBps)
	assert.Equal(t, rec.GrossValue.String(), rec.NetAmount.String())
	assert.Equal(t, "0", rec.GasCost.String())
}
