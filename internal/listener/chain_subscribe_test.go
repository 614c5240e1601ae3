package listener

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func betCreatedLog(betID uint64, finder, token common.Address, amount *big.Int) types.Log {
	data := make([]byte, 96)
	copy(data[12:32], finder.Bytes())
	copy(data[44:64], token.Bytes())
	amount.FillBytes(data[64:96])
	return types.Log{
		Address: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Topics: []common.Hash{
			sigBetCreated,
			common.BigToHash(new(big.Int).SetUint64(betID)),
		},
		Data:        data,
		BlockNumber: 12345,
		TxHash:      common.HexToHash("0xdeadbeef"),
		Index:       3,
	}
}

func TestParseBetCreated(t *testing.T) {
	finder := common.HexToAddress("0x1111111111111111111111111111111111111111")
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount := big.NewInt(5_000_000)

	ev, err := parseBetCreated(betCreatedLog(42, finder, token, amount))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), ev.BetID)
	assert.Equal(t, finder.Hex(), ev.Finder)
	assert.Equal(t, token.Hex(), ev.TokenAddress)
	assert.True(t, ev.BetAmount.Equal(decimal.NewFromInt(5_000_000)))
	assert.Equal(t, int64(12345), ev.BlockNumber)
	assert.Equal(t, common.HexToHash("0xdeadbeef").Hex(), ev.TxHash)
	assert.Equal(t, "42", ev.RawData["bet_id"])
}

func TestParseBetCreatedMissingTopic(t *testing.T) {
	vLog := betCreatedLog(1, common.Address{}, common.Address{}, big.NewInt(1))
	vLog.Topics = vLog.Topics[:1]

	_, err := parseBetCreated(vLog)
	assert.Error(t, err)
}

func TestParseBetCreatedShortData(t *testing.T) {
	vLog := betCreatedLog(1, common.Address{}, common.Address{}, big.NewInt(1))
	vLog.Data = vLog.Data[:64]

	_, err := parseBetCreated(vLog)
	assert.Error(t, err)
}

func TestParseBetCreatedBigBetID(t *testing.T) {
	// betId 超出 uint64 的日志视为脏数据，解析报错但不中断订阅
	vLog := betCreatedLog(1, common.Address{}, common.Address{}, big.NewInt(1))
	big256 := new(big.Int).Lsh(big.NewInt(1), 128)
	vLog.Topics[1] = common.BigToHash(big256)

	_, err := parseBetCreated(vLog)
	assert.Error(t, err)
}
