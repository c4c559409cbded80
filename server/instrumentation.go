package server

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/room4-2/voicelive/server"

var logger = otelslog.NewLogger(scopeName)
