// Command install runs the fast install pipeline: it drives pkg_setup,
// pkg_preinst, and pkg_postinst for a batch of binary packages inside
// hermetic containers and emits per-package preinst/postinst durable-tree
// layers (spec 4.J).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"alchemist.dev/alloy/internal/cliutil"
	"alchemist.dev/alloy/internal/container"
	"alchemist.dev/alloy/internal/installpipeline"
)

func parseInstallSpecs(raw []string) ([]installpipeline.Spec, error) {
	specs := make([]installpipeline.Spec, 0, len(raw))
	for _, s := range raw {
		parts := strings.Split(s, ",")
		if len(parts) != 5 {
			return nil, fmt.Errorf("--install must have 5 comma-separated paths, got %q", s)
		}
		specs = append(specs, installpipeline.Spec{
			BinaryPackagePath:    parts[0],
			InstalledContentsDir: parts[1],
			StagedContentsDir:    parts[2],
			PreinstOutDir:        parts[3],
			PostinstOutDir:       parts[4],
		})
	}
	return specs, nil
}

var app = &cli.App{
	Name:  "install",
	Usage: "Run ebuild install hooks for a batch of binary packages in a hermetic container",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "root-dir",
			Usage:    `Sysroot packages are installed into ("/" for host, "/build/$BOARD" for a target)`,
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "layer",
			Usage: "Additional directory layer mounted below every package's install container, repeatable",
		},
		&cli.StringSliceFlag{
			Name:  "install",
			Usage: "binpkg,installed_contents,staged_contents,preinst_out,postinst_out",
		},
		&cli.StringFlag{
			Name:  "mutable-base-dir",
			Usage: "Directory container upper/scratch dirs are allocated under",
			Value: os.TempDir(),
		},
		&cli.BoolFlag{
			Name:  "allow-network-access",
			Usage: "Grant the sandboxed install hooks a usable network namespace",
		},
	},
	Action: func(c *cli.Context) error {
		specs, err := parseInstallSpecs(c.StringSlice("install"))
		if err != nil {
			return err
		}
		baseLayers := c.StringSlice("layer")

		pipeline := &installpipeline.Pipeline{
			RootDir: c.String("root-dir"),
			NewSettings: func() *container.ContainerSettings {
				s := container.New(c.String("mutable-base-dir"))
				s.AllowNetworkAccess = c.Bool("allow-network-access")
				for _, l := range baseLayers {
					s.AddDirectoryLayer(l)
				}
				return s
			},
		}
		if err := pipeline.Install(context.Background(), specs); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "install: installed %d packages\n", len(specs))
		return nil
	},
}

func main() {
	cliutil.Exit(app.Run(os.Args))
}
