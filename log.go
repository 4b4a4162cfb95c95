package srmilter

import (
	"fmt"
	"log"
)

func logWarning(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("srmilter: warning: %s", format), v...)
}

// LogWarning is called whenever the protocol state machine wants to
// report something that is not fatal to the whole process but worth an
// operator's attention, such as a connection-ending protocol violation.
// The connection supervisor reports its accept/fork/thread hiccups
// through server.LogWarning instead.
//
// The default implementation uses [log.Print]. Reassign it to route
// warnings elsewhere; never assign nil.
var LogWarning = logWarning
