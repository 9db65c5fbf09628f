package common

import (
	"fmt"

	"github.com/jingzhongxu/ladder/pkg/readiness"
)

const (
	ReadinessLedgerSubscribed readiness.Component = "ledgerSubscribed"
)

// ReadinessWatcherSyncing is the readiness component of the watcher for the named external chain.
func ReadinessWatcherSyncing(chain string) readiness.Component {
	return readiness.Component(fmt.Sprintf("%sSyncing", chain))
}

// ReadinessSenderConnected is the readiness component of the outbound sender for the named external chain.
func ReadinessSenderConnected(chain string) readiness.Component {
	return readiness.Component(fmt.Sprintf("%sSenderConnected", chain))
}
