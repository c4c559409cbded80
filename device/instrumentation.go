package device

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/room4-2/voicelive/device"

var logger = otelslog.NewLogger(scopeName)
