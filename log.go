package hivebridge

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"

	"github.com/v4vapp/hivebridge/bridge"
	"github.com/v4vapp/hivebridge/exchange"
	"github.com/v4vapp/hivebridge/hive"
	"github.com/v4vapp/hivebridge/ledger"
	"github.com/v4vapp/hivebridge/lndevents"
	"github.com/v4vapp/hivebridge/lndwrap"
	"github.com/v4vapp/hivebridge/lnurl"
	"github.com/v4vapp/hivebridge/lock"
	"github.com/v4vapp/hivebridge/memo"
	"github.com/v4vapp/hivebridge/ops"
	"github.com/v4vapp/hivebridge/pending"
	"github.com/v4vapp/hivebridge/prices"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "HBRG"

var (
	// log is a logger that is initialized with no output filters. This
	// means the package will not perform any logging by default until the
	// caller requests it.
	log btclog.Logger
)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager, intercept signal.Interceptor) {
	genLogger := genSubLogger(root, intercept)

	log = build.NewSubLogger(Subsystem, genLogger)

	setSubLogger(root, Subsystem, log, nil)
	addSubLogger(root, prices.Subsystem, intercept, prices.UseLogger)
	addSubLogger(root, ledger.Subsystem, intercept, ledger.UseLogger)
	addSubLogger(root, ops.Subsystem, intercept, ops.UseLogger)
	addSubLogger(root, hive.Subsystem, intercept, hive.UseLogger)
	addSubLogger(root, lndwrap.Subsystem, intercept, lndwrap.UseLogger)
	addSubLogger(root, lndevents.Subsystem, intercept, lndevents.UseLogger)
	addSubLogger(root, bridge.Subsystem, intercept, bridge.UseLogger)
	addSubLogger(root, lock.Subsystem, intercept, lock.UseLogger)
	addSubLogger(root, pending.Subsystem, intercept, pending.UseLogger)
	addSubLogger(root, exchange.Subsystem, intercept, exchange.UseLogger)
	addSubLogger(root, lnurl.Subsystem, intercept, lnurl.UseLogger)
	addSubLogger(root, memo.Subsystem, intercept, memo.UseLogger)
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a sub system.
func addSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLogger func(btclog.Logger)) {

	logger := build.NewSubLogger(subsystem, genSubLogger(root, interceptor))
	setSubLogger(root, subsystem, logger, useLogger)
}

// setSubLogger is a helper method to conveniently register the logger of a sub
// system.
func setSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLogger func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	if useLogger != nil {
		useLogger(logger)
	}
}
