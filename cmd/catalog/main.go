// Command catalog attaches the configured databases and answers questions
// about their schema through read-only catalog relations.
package main

import (
	"os"

	_ "dbcatalog/internal/db/extractors"
	"dbcatalog/internal/logger"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}
