package main

import (
	"log"
	"os"

	"github.com/patent-drafter/reqcore/app"
)

func main() {
	cliApp := app.NewCLI("jobworker", "Drafter background job worker", "run", app.RoleWorker)
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
