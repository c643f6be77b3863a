package ratchet

import (
	"log"
	"os"
)

// defaultLogger backs every package-level warning: conditions worth
// surfacing to an operator but that don't warrant failing the calling
// operation.
var defaultLogger = log.New(os.Stderr, "ratchet: ", log.LstdFlags)
