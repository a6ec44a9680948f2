// Command ublockfs formats and mounts ublockfs images, and drops into an
// interactive command interpreter over a mounted image.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	shell "github.com/augustday/ublockfs/cli"
	"github.com/augustday/ublockfs/diskpresets"
	"github.com/augustday/ublockfs/fs"
)

func main() {
	app := &cli.App{
		Name:  "ublockfs",
		Usage: "format and mount ublockfs disk images",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "create or wipe an image",
				ArgsUsage: "IMAGE_PATH",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "size-mb", Value: 256, Usage: "image size in megabytes"},
					&cli.UintFlag{Name: "inode-capacity", Value: uint(fs.DefaultInodeCapacity), Usage: "inode table capacity"},
					&cli.StringFlag{Name: "preset", Usage: "named preset from diskpresets (overrides size-mb/inode-capacity)"},
				},
				Action: formatImage,
			},
			{
				Name:      "mount",
				Usage:     "mount an image and start the command interpreter",
				ArgsUsage: "IMAGE_PATH",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "inode-capacity", Value: uint(fs.DefaultInodeCapacity), Usage: "inode table capacity used at format time"},
				},
				Action: mountAndRun,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func formatImage(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: ublockfs format [flags] IMAGE_PATH")
	}
	path := c.Args().First()

	sizeMB := uint32(c.Uint("size-mb"))
	inodeCapacity := uint32(c.Uint("inode-capacity"))

	if preset := c.String("preset"); preset != "" {
		p, err := diskpresets.Get(preset)
		if err != nil {
			fmt.Fprintf(os.Stderr, "format failed: %s\n", err.Error())
			os.Exit(1)
		}
		sizeMB = p.SizeMB
		inodeCapacity = p.InodeCapacity
	}

	if err := fs.Format(path, sizeMB, inodeCapacity); err != nil {
		fmt.Fprintf(os.Stderr, "format failed: %s\n", err.Error())
		os.Exit(1)
	}
	return nil
}

func mountAndRun(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: ublockfs mount [flags] IMAGE_PATH")
	}
	path := c.Args().First()
	inodeCapacity := uint32(c.Uint("inode-capacity"))

	fsys, err := fs.Mount(path, inodeCapacity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mount failed: %s\n", err.Error())
		os.Exit(1)
	}
	defer fsys.Unmount()

	code := shell.New(fsys, os.Stdin, os.Stdout).Run()
	os.Exit(code)
	return nil
}
