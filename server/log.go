package server

import (
	"fmt"
	"log"
)

func logWarning(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("srmilter: warning: %s", format), v...)
}

// LogWarning reports accept/fork/thread hiccups that do not stop the
// supervisor. Reassign to route elsewhere; never assign nil.
var LogWarning = logWarning
