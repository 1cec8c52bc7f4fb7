// Command xpak inspects and rewrites the XPAK metadata block of a .tbz2
// binary package (spec section 6, binary package format).
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"alchemist.dev/alloy/internal/binarypkg"
	"alchemist.dev/alloy/internal/cliutil"
	"alchemist.dev/alloy/internal/xpak"
)

var app = &cli.App{
	Name:  "xpak",
	Usage: "Inspect and rewrite the XPAK metadata block of a .tbz2 binary package",
	Commands: []*cli.Command{
		{
			Name:      "split",
			Aliases:   []string{"s"},
			Usage:     "Splits a binary package into its XPAK key files and its tarball",
			ArgsUsage: "<file.tbz2>...",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:    "dest",
					Aliases: []string{"d"},
					Usage:   "Destination directory; defaults to alongside each input file",
				},
			},
			Action: func(c *cli.Context) error {
				return splitCmd(c.String("dest"), c.Args().Slice())
			},
		},
		{
			Name:      "replace",
			Usage:     "Replaces XPAK key values from files, in place",
			ArgsUsage: "<file.tbz2> <key>=<path>...",
			Action: func(c *cli.Context) error {
				args := c.Args().Slice()
				if len(args) < 2 {
					return cli.Exit("replace requires a package and at least one key=path", 2)
				}
				return replaceCmd(args[0], args[1:])
			},
		},
	},
}

func splitCmd(dest string, fileNames []string) error {
	if len(fileNames) == 0 {
		return cli.Exit("split requires at least one .tbz2 file", 2)
	}
	for _, fileName := range fileNames {
		if !strings.HasSuffix(fileName, ".tbz2") {
			return fmt.Errorf("%s: must have a .tbz2 extension", fileName)
		}
		if err := splitOne(fileName, dest); err != nil {
			return fmt.Errorf("splitting %s: %w", fileName, err)
		}
	}
	return nil
}

func splitOne(fileName, dest string) error {
	pkg, err := binarypkg.Open(fileName)
	if err != nil {
		return err
	}

	baseName := strings.TrimSuffix(filepath.Base(fileName), ".tbz2")
	outDir := dest
	if outDir == "" {
		outDir = filepath.Dir(fileName)
	}
	outDir = filepath.Join(outDir, baseName)
	xpakDir := filepath.Join(outDir, baseName+".xpak")
	if err := os.RemoveAll(xpakDir); err != nil {
		return err
	}
	if err := os.MkdirAll(xpakDir, 0o755); err != nil {
		return err
	}
	for key, value := range pkg.Metadata {
		if err := os.WriteFile(filepath.Join(xpakDir, key), value, 0o644); err != nil {
			return err
		}
	}

	tarball, err := pkg.TarballReader()
	if err != nil {
		return err
	}
	defer tarball.Close()

	tarDest := filepath.Join(outDir, baseName+".tar.zst")
	if err := os.MkdirAll(filepath.Dir(tarDest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(tarDest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, tarball)
	return err
}

func replaceCmd(fileName string, specs []string) error {
	meta, err := xpak.Read(fileName)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid replace spec %q: want key=path", spec)
		}
		data, err := os.ReadFile(parts[1])
		if err != nil {
			return err
		}
		meta[parts[0]] = data
	}
	return xpak.Replace(fileName, meta)
}

func main() {
	cliutil.Exit(app.Run(os.Args))
}
