package ledger

import (
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/common"
)

// CallKind selects the ledger module function a transaction dispatches to.
type CallKind uint8

const (
	CallMatrixIngress CallKind = iota + 1
	CallMatrixEgress
	CallMatrixResetAuthorities
	CallMatrixRollback
	CallBankDeposit
	CallBankWithdraw
	CallExchangeRateCheck
)

var callKindNames = map[CallKind]string{
	CallMatrixIngress:          "matrix.ingress",
	CallMatrixEgress:           "matrix.egress",
	CallMatrixResetAuthorities: "matrix.reset_authorities",
	CallMatrixRollback:         "matrix.rollback",
	CallBankDeposit:            "bank.deposit",
	CallBankWithdraw:           "bank.withdraw",
	CallExchangeRateCheck:      "exchangerate.check_exchange",
}

func (k CallKind) String() string {
	if name, ok := callKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CallKind(%d)", uint8(k))
}

// Call is the body of a ledger transaction. Every bridge call carries the observed message and the bridge key's
// signature over it.
type Call struct {
	Kind      CallKind
	Message   []byte
	Signature []byte
}

// CallForRelay builds the ledger call for a relay message of the given type.
func CallForRelay(t common.RelayType, message []byte, signature []byte) (Call, error) {
	var kind CallKind
	switch t {
	case common.RelayIngress:
		kind = CallMatrixIngress
	case common.RelayEgress:
		kind = CallMatrixEgress
	case common.RelayDeposit:
		kind = CallBankDeposit
	case common.RelayWithdraw:
		kind = CallBankWithdraw
	case common.RelaySetAuthorities:
		kind = CallMatrixResetAuthorities
	case common.RelayExchangeRate:
		kind = CallExchangeRateCheck
	default:
		return Call{}, fmt.Errorf("no ledger call for relay type %s", t)
	}
	return Call{Kind: kind, Message: message, Signature: signature}, nil
}
