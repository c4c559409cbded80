package capture

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/room4-2/voicelive/capture"

var logger = otelslog.NewLogger(scopeName)
