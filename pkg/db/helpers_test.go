package db

import (
	ethcommon "github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type validatorSet []ethcommon.Address

func (s validatorSet) IsValidator(addr ethcommon.Address) bool {
	for _, v := range s {
		if v == addr {
			return true
		}
	}
	return false
}

func nopLogger() *zap.Logger {
	return zap.NewNop()
}
