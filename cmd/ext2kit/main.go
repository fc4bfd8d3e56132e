package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dargueta/ext2kit"
	"github.com/dargueta/ext2kit/file_systems/common/blockcache"
	"github.com/dargueta/ext2kit/file_systems/ext2"
	"github.com/dargueta/ext2kit/profiles"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "ext2kit",
		Usage: "Edit and repair single-group ext2 disk images in place",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log each step of the operation",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			logrus.SetOutput(os.Stderr)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "Repair bookkeeping inconsistencies in the image",
				ArgsUsage: "IMAGE",
				Action:    runCheck,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "IMAGE ABSOLUTE_PATH",
				Action:    runMkdir,
			},
			{
				Name:      "cp",
				Usage:     "Copy a host file into the image",
				ArgsUsage: "IMAGE HOST_SOURCE ABSOLUTE_DEST",
				Action:    runCp,
			},
			{
				Name:      "ln",
				Usage:     "Create a hard or symbolic link",
				ArgsUsage: "IMAGE SOURCE_PATH LINK_PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "s", Usage: "create a symbolic link"},
				},
				Action: runLn,
			},
			{
				Name:      "rm",
				Usage:     "Unlink a file, link, or (with -r) a directory tree",
				ArgsUsage: "IMAGE ABSOLUTE_PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "r", Usage: "remove directories recursively"},
				},
				Action: runRm,
			},
			{
				Name:      "restore",
				Usage:     "Bring back a previously removed entry",
				ArgsUsage: "IMAGE ABSOLUTE_PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "r", Usage: "restore directories recursively"},
				},
				Action: runRestore,
			},
			{
				Name:      "format",
				Usage:     "Create or wipe an image with a fresh file system",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "profile",
						Usage: "image geometry profile slug",
						Value: profiles.DefaultSlug,
					},
				},
				Action: runFormat,
			},
			{
				Name:      "cat",
				Usage:     "Write a file's bytes to stdout",
				ArgsUsage: "IMAGE ABSOLUTE_PATH",
				Action:    runCat,
			},
			{
				Name:      "ls",
				Usage:     "List a directory's entries",
				ArgsUsage: "IMAGE ABSOLUTE_PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "deleted",
						Usage: "list removed entries still present in directory gaps",
					},
				},
				Action: runLs,
			},
		},
	}

	// Exit-coded errors from the actions are handled (and exited on) inside
	// Run; anything left over is a usage or setup problem.
	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("fatal error: %s", err)
	}
}

// exitFor converts an engine error into a CLI exit: the errno becomes the
// process exit code.
func exitFor(err error) error {
	var kerr *ext2kit.Error
	if errors.As(err, &kerr) {
		return cli.Exit(fmt.Sprintf("ERROR: %s", kerr.Error()), int(kerr.Errno()))
	}
	return cli.Exit(fmt.Sprintf("ERROR: %s", err), 1)
}

// withImage mounts the image named by the first positional argument, runs
// `fn`, and unmounts. The unmount (and with it the flush) happens even when
// `fn` fails: partially applied operations stay applied, just like mutating
// a shared memory map would.
func withImage(ctx *cli.Context, argCount int, fn func(*ext2.Driver) error) error {
	if ctx.Args().Len() != argCount {
		cli.ShowSubcommandHelpAndExit(ctx, 1)
	}

	imagePath := ctx.Args().Get(0)
	file, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ERROR: cannot open image: %s", err), 1)
	}
	defer file.Close()

	driver, err := ext2.NewDriverFromStream(file)
	if err != nil {
		return exitFor(err)
	}
	if err := driver.Mount(); err != nil {
		return exitFor(err)
	}

	logrus.WithField("image", imagePath).Debug("image mounted")

	opErr := fn(driver)
	if err := driver.Unmount(); err != nil {
		if opErr == nil {
			return exitFor(err)
		}
		logrus.WithError(err).Error("flushing the image failed")
	}

	if opErr != nil {
		return exitFor(opErr)
	}
	return nil
}

func runCheck(ctx *cli.Context) error {
	return withImage(ctx, 1, func(driver *ext2.Driver) error {
		fixes, err := driver.Check(os.Stdout)
		logrus.WithField("fixes", fixes).Debug("check finished")
		return err
	})
}

func runMkdir(ctx *cli.Context) error {
	return withImage(ctx, 2, func(driver *ext2.Driver) error {
		return driver.Mkdir(ctx.Args().Get(1))
	})
}

func runCp(ctx *cli.Context) error {
	return withImage(ctx, 3, func(driver *ext2.Driver) error {
		srcPath := ctx.Args().Get(1)
		destPath := ctx.Args().Get(2)

		contents, err := os.ReadFile(srcPath)
		if err != nil {
			if os.IsNotExist(err) {
				return ext2kit.ErrNotFound.WithMessage("source file does not exist")
			}
			return ext2kit.ErrIOFailed.Wrap(err)
		}

		logrus.WithFields(logrus.Fields{
			"source": srcPath,
			"bytes":  len(contents),
		}).Debug("copying host file in")

		return driver.CopyIn(destPath, filepath.Base(srcPath), contents)
	})
}

func runLn(ctx *cli.Context) error {
	return withImage(ctx, 3, func(driver *ext2.Driver) error {
		srcPath := ctx.Args().Get(1)
		destPath := ctx.Args().Get(2)

		if ctx.Bool("s") {
			return driver.Symlink(srcPath, destPath)
		}
		return driver.Link(srcPath, destPath)
	})
}

func runRm(ctx *cli.Context) error {
	return withImage(ctx, 2, func(driver *ext2.Driver) error {
		return driver.Remove(ctx.Args().Get(1), ctx.Bool("r"))
	})
}

func runRestore(ctx *cli.Context) error {
	return withImage(ctx, 2, func(driver *ext2.Driver) error {
		return driver.Restore(ctx.Args().Get(1), ctx.Bool("r"))
	})
}

func runFormat(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		cli.ShowSubcommandHelpAndExit(ctx, 1)
	}

	geo, err := profiles.Get(ctx.String("profile"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("ERROR: %s", err), 1)
	}

	imagePath := ctx.Args().Get(0)
	file, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ERROR: cannot open image: %s", err), 1)
	}
	defer file.Close()

	if err := file.Truncate(geo.TotalSizeBytes()); err != nil {
		return cli.Exit(fmt.Sprintf("ERROR: cannot size image: %s", err), 1)
	}

	image := blockcache.WrapStream(file, uint(geo.BlockSize), uint(geo.TotalBlocks))
	driver := ext2.NewDriver(image)
	if err := driver.Format(geo); err != nil {
		return exitFor(err)
	}

	logrus.WithFields(logrus.Fields{
		"image":   imagePath,
		"profile": geo.Slug,
	}).Debug("image formatted")
	return nil
}

func runCat(ctx *cli.Context) error {
	return withImage(ctx, 2, func(driver *ext2.Driver) error {
		contents, err := driver.ReadFile(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(contents)
		return err
	})
}

func runLs(ctx *cli.Context) error {
	return withImage(ctx, 2, func(driver *ext2.Driver) error {
		path := ctx.Args().Get(1)

		var entries []ext2.DirEntry
		var err error
		if ctx.Bool("deleted") {
			entries, err = driver.ListDeleted(path)
		} else {
			entries, err = driver.ListDir(path)
		}
		if err != nil {
			return err
		}

		for _, entry := range entries {
			fmt.Printf("%8d  %s\n", entry.Inode, entry.Name)
		}
		return nil
	})
}
