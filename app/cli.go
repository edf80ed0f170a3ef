package app

import (
	"github.com/urfave/cli/v2"
)

const configFlag = "config"

// NewCLI builds a command line with a single command that runs role until
// SIGINT or SIGTERM.
func NewCLI(name, usage, command string, role Role) *cli.App {
	return &cli.App{
		Name:  name,
		Usage: usage,
		Commands: []*cli.Command{
			{
				Name:  command,
				Usage: "Run the " + role.String() + " until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     configFlag,
						Aliases:  []string{"c"},
						Usage:    "path to the YAML config file",
						EnvVars:  []string{"DRAFTER_CONFIG"},
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					service, err := NewService(c.Context, c.String(configFlag), role)
					if err != nil {
						return err
					}
					return service.Run()
				},
			},
		},
	}
}
