package main

import (
	"log"
	"os"

	"github.com/patent-drafter/reqcore/app"
)

func main() {
	cliApp := app.NewCLI("drafterd", "Drafter API server", "serve", app.RoleServer)
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
